package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/client"
	"golang.org/x/crypto/ssh"
)

const (
	sshDialTimeout      = 15 * time.Second
	sshKeepaliveEvery   = 30 * time.Second
	defaultRemoteSocket = "/var/run/docker.sock"
)

// SSHConfig describes how to reach a Docker daemon over an SSH tunnel.
// Exactly one of PrivateKey or Password must be set.
type SSHConfig struct {
	// Addr is "host" or "host:port"; port defaults to 22.
	Addr       string
	User       string
	PrivateKey []byte
	Passphrase string
	Password   string
	// RemoteSocket is the daemon socket path on the remote host.
	// Defaults to /var/run/docker.sock.
	RemoteSocket string
}

// authMethods builds the SSH auth methods from the configured material.
func (s *SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	if len(s.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if s.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(s.PrivateKey, []byte(s.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(s.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if s.Password != "" {
		return []ssh.AuthMethod{ssh.Password(s.Password)}, nil
	}
	return nil, fmt.Errorf("ssh config has neither private key nor password")
}

// DialSSH opens the SSH session for an SSHConfig. Exposed separately so
// the setup wizard can probe connectivity before a host exists.
func DialSSH(cfg SSHConfig) (*ssh.Client, error) {
	methods, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	addr := cfg.Addr
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}
	sshClient, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // hosts are operator-registered endpoints
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return sshClient, nil
}

// NewSSHClient builds a Docker client whose HTTP transport dials the
// remote daemon socket through an SSH tunnel. The SSH session lives as
// long as the Docker client; Close tears down both.
func NewSSHClient(cfg SSHConfig) (*Client, error) {
	sshClient, err := DialSSH(cfg)
	if err != nil {
		return nil, err
	}

	remoteSock := cfg.RemoteSocket
	if remoteSock == "" {
		remoteSock = defaultRemoteSocket
	}

	// Keepalives stop intermediate firewalls from reaping the idle
	// session between requests. The goroutine exits when the session
	// closes and SendRequest starts failing.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sshKeepaliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, _, err := sshClient.SendRequest("keepalive@harbormaster", true, nil); err != nil {
					return
				}
			}
		}
	}()

	api, err := client.New(
		client.WithHost("unix://"+remoteSock),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return sshClient.Dial("unix", remoteSock)
				},
			},
		}),
	)
	if err != nil {
		close(stop)
		sshClient.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	return &Client{
		api: api,
		closer: func() error {
			close(stop)
			return sshClient.Close()
		},
	}, nil
}
