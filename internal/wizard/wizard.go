// Package wizard walks an operator through attaching a new SSH host:
// collect the endpoint, collect or generate credentials, prove the SSH
// and Docker layers work, then create the host record and sealed
// credential together. Until the final step commits, nothing exists
// outside the wizard's own state blob.
package wizard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

// Kind identifies a wizard flow.
type Kind string

// KindSSHHostSetup is the only flow currently implemented.
const KindSSHHostSetup Kind = "ssh-host-setup"

// Status is the lifecycle state of a wizard instance.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Step names for the ssh-host-setup flow, in order.
const (
	StepConnection     = "connection"
	StepAuthentication = "authentication"
	StepSSHProbe       = "ssh-probe"
	StepDockerProbe    = "docker-probe"
	StepConfirm        = "confirm"
)

var sshSetupSteps = []string{StepConnection, StepAuthentication, StepSSHProbe, StepDockerProbe, StepConfirm}

// Step is one stage of a wizard. Fields hold the operator's input for
// the stage; probe steps record their outcome in Done and Error.
type Step struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
	Done   bool           `json:"done"`
	Error  string         `json:"error,omitempty"`
}

// Instance is one in-flight wizard. Every mutation replaces the whole
// persisted blob.
type Instance struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Current   int       `json:"current"`
	Steps     []Step    `json:"steps"`
	HostID    string    `json:"host_id,omitempty"` // set on completion
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CurrentStep returns the active step.
func (w *Instance) CurrentStep() *Step {
	return &w.Steps[w.Current]
}

func (w *Instance) step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

var (
	ErrNotFound       = errors.New("wizard not found")
	ErrExpired        = errors.New("wizard expired")
	ErrFinished       = errors.New("wizard already finished")
	ErrUnknownKind    = errors.New("unknown wizard kind")
	ErrStepIncomplete = errors.New("current step is not complete")
)

// Sealer encrypts collected secrets before they reach the store and
// opens them again for probes. The vault provides it, so the persisted
// wizard blob never carries key or password plaintext.
type Sealer interface {
	SealBytes(plaintext []byte) ([]byte, error)
	OpenBytes(envelope []byte) ([]byte, error)
}

// Store persists wizard blobs.
type Store interface {
	PutWizard(id string, data []byte) error
	GetWizard(id string) ([]byte, error)
	DeleteWizard(id string) error
	ListWizards() (map[string][]byte, error)
}

// HostCreator is the slice of the host registry the wizard commits
// through.
type HostCreator interface {
	Create(in hosts.CreateInput) (*hosts.Host, error)
	Delete(id string) error
	SetStatus(id string, status hosts.Status) error
}

const (
	defaultTTL   = time.Hour
	probeTimeout = 20 * time.Second
)

// Engine runs wizard instances.
type Engine struct {
	store  Store
	hosts  HostCreator
	bus    *events.Bus
	sealer Sealer
	log    *slog.Logger
	ttl    time.Duration

	// Probes are swappable for tests.
	probeSSH    func(ctx context.Context, cfg docker.SSHConfig) error
	probeDocker func(ctx context.Context, cfg docker.SSHConfig) error
}

// New creates an Engine.
func New(store Store, hostSvc HostCreator, bus *events.Bus, sealer Sealer, log *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		hosts:       hostSvc,
		bus:         bus,
		sealer:      sealer,
		log:         log,
		ttl:         defaultTTL,
		probeSSH:    probeSSH,
		probeDocker: probeDocker,
	}
}

func probeSSH(_ context.Context, cfg docker.SSHConfig) error {
	c, err := docker.DialSSH(cfg)
	if err != nil {
		return err
	}
	return c.Close()
}

func probeDocker(ctx context.Context, cfg docker.SSHConfig) error {
	client, err := docker.NewSSHClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Ping(ctx)
}

// Start creates a new wizard instance.
func (e *Engine) Start(kind Kind, userID string) (*Instance, error) {
	if kind != KindSSHHostSetup {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	now := time.Now().UTC()
	w := &Instance{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Status:    StatusInProgress,
		Steps:     make([]Step, len(sshSetupSteps)),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	for i, name := range sshSetupSteps {
		w.Steps[i] = Step{Name: name}
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get loads a wizard, enforcing expiry. Expired wizards are removed on
// access so abandoned credentials do not linger.
func (e *Engine) Get(id string) (*Instance, error) {
	data, err := e.store.GetWizard(id)
	if err != nil {
		return nil, fmt.Errorf("load wizard: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	var w Instance
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal wizard: %w", err)
	}
	if w.Status == StatusInProgress && time.Now().UTC().After(w.ExpiresAt) {
		_ = e.store.DeleteWizard(id)
		return nil, ErrExpired
	}
	return &w, nil
}

// UpdateStep replaces the fields of the current step and persists the
// whole instance.
func (e *Engine) UpdateStep(id string, fields map[string]any) (*Instance, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}
	step := w.CurrentStep()
	step.Fields = fields
	step.Error = ""
	if step.Name == StepAuthentication {
		if err := e.sealStepSecrets(step); err != nil {
			return nil, err
		}
	}
	switch step.Name {
	case StepSSHProbe, StepDockerProbe:
		// Probe steps complete via Test, not input.
	default:
		step.Done = true
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Next advances to the following step. The current step must be done.
func (e *Engine) Next(id string) (*Instance, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}
	if !w.CurrentStep().Done {
		return nil, ErrStepIncomplete
	}
	if w.Current < len(w.Steps)-1 {
		w.Current++
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Previous steps back. Probe outcomes behind the cursor are cleared so
// edited inputs must be re-proven.
func (e *Engine) Previous(id string) (*Instance, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}
	if w.Current > 0 {
		w.Current--
	}
	for _, name := range []string{StepSSHProbe, StepDockerProbe} {
		if s := w.step(name); s != nil {
			s.Done = false
			s.Error = ""
		}
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Test runs the probe for the current step. On ssh-probe it proves the
// SSH layer; on docker-probe it proves the daemon answers through the
// tunnel. The outcome is recorded on the step either way.
func (e *Engine) Test(ctx context.Context, id string) (*Instance, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}
	step := w.CurrentStep()

	cfg, err := e.sshConfig(w)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var probeErr error
	switch step.Name {
	case StepSSHProbe:
		probeErr = e.probeSSH(probeCtx, cfg)
	case StepDockerProbe:
		probeErr = e.probeDocker(probeCtx, cfg)
	default:
		return nil, fmt.Errorf("step %q has no test", step.Name)
	}

	if probeErr != nil {
		step.Done = false
		step.Error = probeErr.Error()
	} else {
		step.Done = true
		step.Error = ""
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	if probeErr != nil {
		return w, probeErr
	}
	return w, nil
}

// Complete commits the wizard: the host record and sealed credential are
// created together, then verified with a final probe. A failed probe
// rolls the host back so no half-attached endpoint survives.
func (e *Engine) Complete(ctx context.Context, id string) (*Instance, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{StepConnection, StepAuthentication, StepSSHProbe, StepDockerProbe} {
		if s := w.step(name); s == nil || !s.Done {
			return nil, fmt.Errorf("%w: %s", ErrStepIncomplete, name)
		}
	}

	cfg, err := e.sshConfig(w)
	if err != nil {
		return nil, err
	}
	cred := credentialFrom(cfg)

	conn := w.step(StepConnection)
	host, err := e.hosts.Create(hosts.CreateInput{
		Name:         getString(conn.Fields, "name"),
		Transport:    docker.TransportSSH,
		Addr:         cfg.Addr,
		Credential:   &cred,
		SetupPending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	// Final end-to-end check against the committed record.
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	probeErr := e.probeDocker(probeCtx, cfg)
	cancel()
	if probeErr != nil {
		if delErr := e.hosts.Delete(host.ID); delErr != nil {
			e.log.Error("failed to roll back wizard host", "host_id", host.ID, "error", delErr)
		}
		return nil, fmt.Errorf("final verification failed: %w", probeErr)
	}

	if err := e.hosts.SetStatus(host.ID, hosts.StatusHealthy); err != nil {
		e.log.Error("failed to mark wizard host healthy", "host_id", host.ID, "error", err)
	}

	w.Status = StatusCompleted
	w.HostID = host.ID
	w.step(StepConfirm).Done = true
	// Scrub collected secrets from the persisted blob.
	w.step(StepAuthentication).Fields = map[string]any{
		"user":   cfg.User,
		"method": getString(w.step(StepAuthentication).Fields, "method"),
	}
	if err := e.save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Cancel marks a wizard cancelled and discards everything it collected.
// The record itself stays until the expiry sweep so the terminal status
// remains visible.
func (e *Engine) Cancel(id string) error {
	w, err := e.Get(id)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil
		}
		return err
	}
	if w.Status != StatusInProgress {
		return nil
	}
	w.Status = StatusCancelled
	for i := range w.Steps {
		w.Steps[i].Fields = nil
	}
	return e.save(w)
}

// List returns all in-flight wizards for a user.
func (e *Engine) List(userID string) ([]Instance, error) {
	blobs, err := e.store.ListWizards()
	if err != nil {
		return nil, err
	}
	var out []Instance
	for _, data := range blobs {
		var w Instance
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		if userID != "" && w.UserID != userID {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// SweepExpired deletes wizards past their expiry, in-progress and
// terminal alike, returning the count.
func (e *Engine) SweepExpired() (int, error) {
	blobs, err := e.store.ListWizards()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for id, data := range blobs {
		var w Instance
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		if now.After(w.ExpiresAt) {
			if err := e.store.DeleteWizard(id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (e *Engine) getInProgress(id string) (*Instance, error) {
	w, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusInProgress {
		return nil, ErrFinished
	}
	return w, nil
}

func (e *Engine) save(w *Instance) error {
	w.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal wizard: %w", err)
	}
	if err := e.store.PutWizard(w.ID, data); err != nil {
		return fmt.Errorf("persist wizard: %w", err)
	}
	e.publish(w.ID)
	return nil
}

func (e *Engine) publish(id string) {
	e.bus.Publish(events.Event{
		Type:      events.EventWizardChanged,
		TaskID:    id,
		Timestamp: time.Now().UTC(),
	})
}

// sealedKey is the authentication-step field holding the vault envelope
// for the step's secret inputs.
const sealedKey = "sealed"

// secretFields are the authentication inputs that never persist in
// plaintext.
var secretFields = []string{"private_key", "passphrase", "password"}

// sealStepSecrets moves the step's secret inputs into a single sealed
// envelope. Fields the operator may read back (user, method, public_key)
// stay plaintext.
func (e *Engine) sealStepSecrets(step *Step) error {
	secrets := make(map[string]string)
	for _, k := range secretFields {
		if v := getString(step.Fields, k); v != "" {
			secrets[k] = v
			delete(step.Fields, k)
		}
	}
	return e.putSecrets(step, secrets)
}

// putSecrets replaces the step's sealed envelope with the given secrets.
// An empty map drops the envelope.
func (e *Engine) putSecrets(step *Step, secrets map[string]string) error {
	if step.Fields == nil {
		step.Fields = make(map[string]any)
	}
	if len(secrets) == 0 {
		delete(step.Fields, sealedKey)
		return nil
	}
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal wizard secrets: %w", err)
	}
	envelope, err := e.sealer.SealBytes(plaintext)
	if err != nil {
		return fmt.Errorf("seal wizard secrets: %w", err)
	}
	step.Fields[sealedKey] = base64.StdEncoding.EncodeToString(envelope)
	return nil
}

// openSecrets opens the step's sealed envelope. A step with no envelope
// yields an empty map.
func (e *Engine) openSecrets(step *Step) (map[string]string, error) {
	enc := getString(step.Fields, sealedKey)
	if enc == "" {
		return map[string]string{}, nil
	}
	envelope, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode wizard secrets: %w", err)
	}
	plaintext, err := e.sealer.OpenBytes(envelope)
	if err != nil {
		return nil, fmt.Errorf("open wizard secrets: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal wizard secrets: %w", err)
	}
	return secrets, nil
}

// sshConfig assembles the SSH settings from the connection and
// authentication steps, opening the sealed secrets for the probe.
func (e *Engine) sshConfig(w *Instance) (docker.SSHConfig, error) {
	conn := w.step(StepConnection)
	auth := w.step(StepAuthentication)
	if conn == nil || auth == nil {
		return docker.SSHConfig{}, errors.New("wizard has no connection steps")
	}

	secrets, err := e.openSecrets(auth)
	if err != nil {
		return docker.SSHConfig{}, err
	}
	cfg := docker.SSHConfig{
		Addr:         getString(conn.Fields, "addr"),
		RemoteSocket: getString(conn.Fields, "remote_socket"),
		User:         getString(auth.Fields, "user"),
		PrivateKey:   []byte(secrets["private_key"]),
		Passphrase:   secrets["passphrase"],
		Password:     secrets["password"],
	}
	if cfg.Addr == "" {
		return docker.SSHConfig{}, errors.New("connection step is missing the address")
	}
	if cfg.User == "" {
		return docker.SSHConfig{}, errors.New("authentication step is missing the user")
	}
	if len(cfg.PrivateKey) == 0 && cfg.Password == "" {
		return docker.SSHConfig{}, errors.New("authentication step has neither key nor password")
	}
	return cfg, nil
}

// credentialFrom converts probe-proven SSH settings into the vault
// credential committed alongside the host.
func credentialFrom(cfg docker.SSHConfig) vault.Credential {
	if len(cfg.PrivateKey) > 0 {
		return vault.Credential{
			Kind:          vault.KindSSHKey,
			SSHUser:       cfg.User,
			SSHPrivateKey: cfg.PrivateKey,
			SSHPassphrase: cfg.Passphrase,
		}
	}
	return vault.Credential{
		Kind:        vault.KindSSHPassword,
		SSHUser:     cfg.User,
		SSHPassword: cfg.Password,
	}
}

func getString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
