package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/logging"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

type memStore struct {
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) PutWizard(id string, data []byte) error {
	m.blobs[id] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) GetWizard(id string) ([]byte, error) {
	return m.blobs[id], nil
}

func (m *memStore) DeleteWizard(id string) error {
	delete(m.blobs, id)
	return nil
}

func (m *memStore) ListWizards() (map[string][]byte, error) {
	out := make(map[string][]byte, len(m.blobs))
	for k, v := range m.blobs {
		out[k] = v
	}
	return out, nil
}

type fakeHosts struct {
	created []hosts.CreateInput
	deleted []string
	status  map[string]hosts.Status
	nextID  string
	fail    error
}

func (f *fakeHosts) Create(in hosts.CreateInput) (*hosts.Host, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.created = append(f.created, in)
	id := f.nextID
	if id == "" {
		id = "host-1"
	}
	return &hosts.Host{ID: id, Name: in.Name, Transport: in.Transport, Addr: in.Addr}, nil
}

func (f *fakeHosts) Delete(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeHosts) SetStatus(id string, status hosts.Status) error {
	if f.status == nil {
		f.status = make(map[string]hosts.Status)
	}
	f.status[id] = status
	return nil
}

func testEngine(t *testing.T) (*Engine, *memStore, *fakeHosts) {
	t.Helper()
	ms := newMemStore()
	fh := &fakeHosts{}
	sealer, err := vault.New([]byte("0123456789abcdef0123456789abcdef"), nil)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	e := New(ms, fh, events.New(), sealer, logging.Discard().Logger)
	e.probeSSH = func(context.Context, docker.SSHConfig) error { return nil }
	e.probeDocker = func(context.Context, docker.SSHConfig) error { return nil }
	return e, ms, fh
}

// advance fills the input steps and passes both probes.
func advance(t *testing.T, e *Engine, id string) {
	t.Helper()
	if _, err := e.UpdateStep(id, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"}); err != nil {
		t.Fatalf("connection step: %v", err)
	}
	if _, err := e.Next(id); err != nil {
		t.Fatalf("next to auth: %v", err)
	}
	if _, err := e.UpdateStep(id, map[string]any{"user": "deploy", "method": "password", "password": "hunter2"}); err != nil {
		t.Fatalf("auth step: %v", err)
	}
	if _, err := e.Next(id); err != nil {
		t.Fatalf("next to ssh probe: %v", err)
	}
	if _, err := e.Test(context.Background(), id); err != nil {
		t.Fatalf("ssh probe: %v", err)
	}
	if _, err := e.Next(id); err != nil {
		t.Fatalf("next to docker probe: %v", err)
	}
	if _, err := e.Test(context.Background(), id); err != nil {
		t.Fatalf("docker probe: %v", err)
	}
	if _, err := e.Next(id); err != nil {
		t.Fatalf("next to confirm: %v", err)
	}
}

func TestStartCreatesFiveSteps(t *testing.T) {
	e, ms, _ := testEngine(t)

	w, err := e.Start(KindSSHHostSetup, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(w.Steps) != 5 || w.Steps[0].Name != StepConnection || w.Steps[4].Name != StepConfirm {
		t.Fatalf("steps = %+v", w.Steps)
	}
	if w.Status != StatusInProgress || w.Current != 0 {
		t.Fatalf("instance = %+v", w)
	}
	if _, ok := ms.blobs[w.ID]; !ok {
		t.Fatal("instance not persisted")
	}
}

func TestStartUnknownKind(t *testing.T) {
	e, _, _ := testEngine(t)
	if _, err := e.Start("teleporter-setup", "u1"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestNextRequiresCompletedStep(t *testing.T) {
	e, _, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")

	if _, err := e.Next(w.ID); !errors.Is(err, ErrStepIncomplete) {
		t.Fatalf("err = %v, want ErrStepIncomplete", err)
	}
}

func TestProbeFailureRecordsError(t *testing.T) {
	e, _, _ := testEngine(t)
	e.probeSSH = func(context.Context, docker.SSHConfig) error {
		return errors.New("connection refused")
	}

	w, _ := e.Start(KindSSHHostSetup, "u1")
	e.UpdateStep(w.ID, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"})
	e.Next(w.ID)
	e.UpdateStep(w.ID, map[string]any{"user": "deploy", "password": "hunter2"})
	e.Next(w.ID)

	if _, err := e.Test(context.Background(), w.ID); err == nil {
		t.Fatal("expected probe error")
	}
	got, _ := e.Get(w.ID)
	step := got.CurrentStep()
	if step.Done || step.Error == "" {
		t.Fatalf("step after failed probe = %+v", step)
	}

	// Cannot advance past a failed probe.
	if _, err := e.Next(w.ID); !errors.Is(err, ErrStepIncomplete) {
		t.Fatalf("next after failed probe = %v", err)
	}
}

func TestPreviousClearsProbeOutcomes(t *testing.T) {
	e, _, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	advance(t, e, w.ID)

	if _, err := e.Previous(w.ID); err != nil {
		t.Fatalf("previous: %v", err)
	}
	got, _ := e.Get(w.ID)
	if got.step(StepSSHProbe).Done || got.step(StepDockerProbe).Done {
		t.Fatal("probe outcomes survived stepping back")
	}
}

func TestCompleteCreatesHostWithCredential(t *testing.T) {
	e, _, fh := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	advance(t, e, w.ID)

	done, err := e.Complete(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.HostID != "host-1" {
		t.Fatalf("instance = %+v", done)
	}

	if len(fh.created) != 1 {
		t.Fatalf("hosts created = %d", len(fh.created))
	}
	in := fh.created[0]
	if in.Name != "edge-1" || in.Transport != docker.TransportSSH || !in.SetupPending {
		t.Fatalf("create input = %+v", in)
	}
	if in.Credential == nil || in.Credential.SSHPassword != "hunter2" {
		t.Fatal("credential not passed through")
	}
	if fh.status["host-1"] != hosts.StatusHealthy {
		t.Fatalf("host status = %s", fh.status["host-1"])
	}
}

func TestCompleteScrubsSecrets(t *testing.T) {
	e, ms, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	advance(t, e, w.ID)

	if _, err := e.Complete(context.Background(), w.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if strings.Contains(string(ms.blobs[w.ID]), "hunter2") {
		t.Fatal("completed wizard blob retains the password")
	}
}

func TestCompleteRollsBackOnFinalProbeFailure(t *testing.T) {
	e, _, fh := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	advance(t, e, w.ID)

	e.probeDocker = func(context.Context, docker.SSHConfig) error {
		return errors.New("daemon unreachable")
	}
	if _, err := e.Complete(context.Background(), w.ID); err == nil {
		t.Fatal("expected completion failure")
	}
	if len(fh.deleted) != 1 || fh.deleted[0] != "host-1" {
		t.Fatalf("rollback deletions = %v", fh.deleted)
	}

	// The wizard survives for another attempt.
	got, err := e.Get(w.ID)
	if err != nil || got.Status != StatusInProgress {
		t.Fatalf("wizard after rollback = %+v, %v", got, err)
	}
}

func TestCompleteRequiresProbes(t *testing.T) {
	e, _, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	e.UpdateStep(w.ID, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"})
	e.Next(w.ID)
	e.UpdateStep(w.ID, map[string]any{"user": "deploy", "password": "hunter2"})

	if _, err := e.Complete(context.Background(), w.ID); !errors.Is(err, ErrStepIncomplete) {
		t.Fatalf("err = %v, want ErrStepIncomplete", err)
	}
}

func TestCancelMarksTerminalStatus(t *testing.T) {
	e, ms, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	e.UpdateStep(w.ID, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"})
	e.Next(w.ID)
	e.UpdateStep(w.ID, map[string]any{"user": "deploy", "password": "hunter2"})

	if err := e.Cancel(w.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The record survives with a terminal status; what it collected does
	// not.
	got, err := e.Get(w.ID)
	if err != nil {
		t.Fatalf("get after cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for _, step := range got.Steps {
		if len(step.Fields) != 0 {
			t.Fatalf("step %s retained fields %v", step.Name, step.Fields)
		}
	}
	if _, err := e.Next(w.ID); !errors.Is(err, ErrFinished) {
		t.Fatalf("mutation after cancel = %v, want ErrFinished", err)
	}

	// The expiry sweep removes the terminal record.
	expire(t, ms, w.ID)
	if n, err := e.SweepExpired(); err != nil || n != 1 {
		t.Fatalf("swept = %d, %v; want 1", n, err)
	}
	if _, err := e.Get(w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after sweep = %v, want ErrNotFound", err)
	}
}

// expire rewrites a persisted wizard so its expiry is in the past.
func expire(t *testing.T, ms *memStore, id string) {
	t.Helper()
	var w Instance
	if err := json.Unmarshal(ms.blobs[id], &w); err != nil {
		t.Fatalf("unmarshal blob: %v", err)
	}
	w.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	data, _ := json.Marshal(&w)
	ms.blobs[id] = data
}

func TestExpiredWizardIsRemovedOnAccess(t *testing.T) {
	e, ms, _ := testEngine(t)
	e.ttl = -time.Minute
	w, _ := e.Start(KindSSHHostSetup, "u1")

	if _, err := e.Get(w.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if _, ok := ms.blobs[w.ID]; ok {
		t.Fatal("expired wizard not removed")
	}
}

func TestSweepExpired(t *testing.T) {
	e, _, _ := testEngine(t)
	e.ttl = -time.Minute
	e.Start(KindSSHHostSetup, "u1")
	e.ttl = time.Hour
	fresh, _ := e.Start(KindSSHHostSetup, "u1")

	n, err := e.SweepExpired()
	if err != nil || n != 1 {
		t.Fatalf("swept = %d, %v; want 1", n, err)
	}
	if _, err := e.Get(fresh.ID); err != nil {
		t.Fatalf("fresh wizard gone: %v", err)
	}
}

func TestGenerateKeyProducesUsableIdentity(t *testing.T) {
	e, _, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	e.UpdateStep(w.ID, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"})
	e.Next(w.ID)

	pair, err := e.GenerateKey(w.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := ssh.ParsePrivateKey([]byte(pair.PrivateKeyPEM))
	if err != nil {
		t.Fatalf("private key does not parse: %v", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pair.AuthorizedKey))
	if err != nil {
		t.Fatalf("authorized key does not parse: %v", err)
	}
	if string(signer.PublicKey().Marshal()) != string(pub.Marshal()) {
		t.Fatal("public half does not match private key")
	}

	got, _ := e.Get(w.ID)
	auth := got.step(StepAuthentication)
	if getString(auth.Fields, "private_key") != "" {
		t.Fatal("private key stored in plaintext on the step")
	}
	secrets, err := e.openSecrets(auth)
	if err != nil {
		t.Fatalf("open secrets: %v", err)
	}
	if secrets["private_key"] != pair.PrivateKeyPEM {
		t.Fatal("sealed private key does not round-trip")
	}
}

func TestSecretsAreSealedAtRest(t *testing.T) {
	e, ms, _ := testEngine(t)
	w, _ := e.Start(KindSSHHostSetup, "u1")
	e.UpdateStep(w.ID, map[string]any{"name": "edge-1", "addr": "10.0.0.5:22"})
	e.Next(w.ID)
	if _, err := e.UpdateStep(w.ID, map[string]any{"user": "deploy", "password": "hunter2"}); err != nil {
		t.Fatalf("auth step: %v", err)
	}

	// The persisted blob must not carry the password while the wizard is
	// still in flight.
	if strings.Contains(string(ms.blobs[w.ID]), "hunter2") {
		t.Fatal("in-flight wizard blob retains the password")
	}

	// The probes still see the plaintext through the vault.
	if _, err := e.Next(w.ID); err != nil {
		t.Fatalf("next to ssh probe: %v", err)
	}
	var probed docker.SSHConfig
	e.probeSSH = func(_ context.Context, cfg docker.SSHConfig) error {
		probed = cfg
		return nil
	}
	if _, err := e.Test(context.Background(), w.ID); err != nil {
		t.Fatalf("ssh probe: %v", err)
	}
	if probed.Password != "hunter2" || probed.User != "deploy" {
		t.Fatalf("probe config = %+v", probed)
	}

	// A generated key is sealed the same way.
	if _, err := e.GenerateKey(w.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(string(ms.blobs[w.ID]), "PRIVATE KEY") {
		t.Fatal("wizard blob retains the generated private key")
	}
}

func TestListFiltersByUser(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Start(KindSSHHostSetup, "u1")
	e.Start(KindSSHHostSetup, "u2")

	mine, err := e.List("u1")
	if err != nil || len(mine) != 1 {
		t.Fatalf("list = %d, %v; want 1", len(mine), err)
	}
	all, _ := e.List("")
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}
}
