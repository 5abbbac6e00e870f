package wizard

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated SSH identity. The private half goes
// into the wizard's authentication step; the public half is shown to
// the operator to install on the target host.
type KeyPair struct {
	PrivateKeyPEM string `json:"private_key_pem"`
	AuthorizedKey string `json:"authorized_key"`
}

// GenerateSSHKey creates an ed25519 keypair in OpenSSH format.
func GenerateSSHKey(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}

	return &KeyPair{
		PrivateKeyPEM: string(pem.EncodeToMemory(block)),
		AuthorizedKey: authorized,
	}, nil
}

// GenerateKey creates a keypair and stores the private half, sealed, in
// the wizard's authentication step. The caller shows the returned public
// key to the operator.
func (e *Engine) GenerateKey(id string) (*KeyPair, error) {
	w, err := e.getInProgress(id)
	if err != nil {
		return nil, err
	}

	pair, err := GenerateSSHKey("harbormaster")
	if err != nil {
		return nil, err
	}

	auth := w.step(StepAuthentication)
	if auth.Fields == nil {
		auth.Fields = make(map[string]any)
	}
	auth.Fields["method"] = "generated-key"
	auth.Fields["public_key"] = pair.AuthorizedKey
	// The private half goes in sealed; replacing the envelope also drops
	// any password collected earlier.
	if err := e.putSecrets(auth, map[string]string{"private_key": pair.PrivateKeyPEM}); err != nil {
		return nil, err
	}

	if err := e.save(w); err != nil {
		return nil, err
	}
	return pair, nil
}
