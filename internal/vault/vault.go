// Package vault encrypts per-host connection secrets at rest. It is the
// only place where credential plaintext is handled; everything below it
// sees sealed envelopes only.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// CredentialKind identifies how a host authenticates its Docker endpoint.
type CredentialKind string

const (
	KindTLS         CredentialKind = "tls"
	KindSSHKey      CredentialKind = "ssh-key"
	KindSSHPassword CredentialKind = "ssh-password"
)

// Credential is the plaintext secret material for one host.
type Credential struct {
	HostID        string         `json:"host_id"`
	Kind          CredentialKind `json:"kind"`
	TLSCACert     []byte         `json:"tls_ca_cert,omitempty"`
	TLSCert       []byte         `json:"tls_cert,omitempty"`
	TLSKey        []byte         `json:"tls_key,omitempty"`
	SSHUser       string         `json:"ssh_user,omitempty"`
	SSHPrivateKey []byte         `json:"ssh_private_key,omitempty"`
	SSHPassphrase string         `json:"ssh_passphrase,omitempty"`
	SSHPassword   string         `json:"ssh_password,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks that the credential carries the material its kind requires.
func (c Credential) Validate() error {
	switch c.Kind {
	case KindTLS:
		if len(c.TLSCACert) == 0 || len(c.TLSCert) == 0 || len(c.TLSKey) == 0 {
			return errors.New("tls credential requires ca cert, client cert, and client key")
		}
	case KindSSHKey:
		if c.SSHUser == "" || len(c.SSHPrivateKey) == 0 {
			return errors.New("ssh-key credential requires user and private key")
		}
	case KindSSHPassword:
		if c.SSHUser == "" || c.SSHPassword == "" {
			return errors.New("ssh-password credential requires user and password")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}

// ErrUnavailable is returned when a credential is missing, or when the
// stored envelope cannot be opened with the configured master key. The two
// cases are deliberately indistinguishable to callers.
var ErrUnavailable = errors.New("credential unavailable")

// Store is the persistence the vault needs: opaque sealed envelopes keyed
// by host ID.
type Store interface {
	PutSealedCredential(hostID string, envelope []byte) error
	GetSealedCredential(hostID string) ([]byte, error)
	DeleteSealedCredential(hostID string) error
}

// Vault seals and opens credentials with AES-256-GCM under a process-wide
// master key.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

// New creates a Vault. The master key must be exactly 32 bytes.
func New(masterKey []byte, store Store) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead, store: store}, nil
}

// Put validates, seals, and stores a credential, replacing any existing one
// for the host.
func (v *Vault) Put(cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	cred.UpdatedAt = time.Now().UTC()
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	envelope, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	return v.store.PutSealedCredential(cred.HostID, envelope)
}

// Get opens and returns the credential for a host. Missing records and
// envelopes that fail authentication both map to ErrUnavailable.
func (v *Vault) Get(hostID string) (Credential, error) {
	envelope, err := v.store.GetSealedCredential(hostID)
	if err != nil || envelope == nil {
		return Credential{}, ErrUnavailable
	}
	plaintext, err := v.open(envelope)
	if err != nil {
		return Credential{}, ErrUnavailable
	}
	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, ErrUnavailable
	}
	return cred, nil
}

// Delete removes a host's credential. Deleting a missing credential is not
// an error.
func (v *Vault) Delete(hostID string) error {
	return v.store.DeleteSealedCredential(hostID)
}

// SealBytes encrypts an arbitrary payload under the master key. Callers
// holding transient secrets (the setup wizard's pending key material) use
// it to keep their own persisted state free of plaintext.
func (v *Vault) SealBytes(plaintext []byte) ([]byte, error) {
	return v.seal(plaintext)
}

// OpenBytes decrypts an envelope produced by SealBytes. Envelopes that
// fail authentication map to ErrUnavailable.
func (v *Vault) OpenBytes(envelope []byte) ([]byte, error) {
	plaintext, err := v.open(envelope)
	if err != nil {
		return nil, ErrUnavailable
	}
	return plaintext, nil
}

// seal encrypts plaintext and prepends the random nonce to the ciphertext.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open splits the nonce off the envelope and decrypts the remainder.
func (v *Vault) open(envelope []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(envelope) < ns {
		return nil, errors.New("envelope too short")
	}
	return v.aead.Open(nil, envelope[:ns], envelope[ns:], nil)
}
