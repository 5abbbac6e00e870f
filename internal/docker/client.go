// Package docker wraps the Docker API client behind a transport-agnostic
// surface. A Client is built over one of three transports (unix socket,
// TCP with mutual TLS, or an SSH tunnel); callers never branch on which.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/moby/moby/client"
)

// Transport identifies how a host's Docker daemon is reached.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportTCP   Transport = "tcp"
	TransportSSH   Transport = "ssh"
)

// TLSMaterial carries PEM-encoded certificates for a TCP endpoint.
type TLSMaterial struct {
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte
	// SkipVerify disables server certificate verification. Explicit opt-in.
	SkipVerify bool
}

// Client wraps the Docker API client plus any transport resources that
// must live as long as the client (the SSH session, for the ssh
// transport).
type Client struct {
	api    *client.Client
	closer func() error // extra transport teardown, may be nil
}

// NewLocalClient connects to a Unix-domain socket path.
func NewLocalClient(socketPath string) (*Client, error) {
	api, err := client.New(
		client.WithHost("unix://"+socketPath),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", socketPath, 30*time.Second)
				},
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create local client: %w", err)
	}
	return &Client{api: api}, nil
}

// NewTCPClient connects to a tcp://host:port endpoint. When TLS material
// is provided the connection uses mutual TLS with the server certificate
// verified against the CA, unless SkipVerify is set.
func NewTCPClient(endpoint string, tlsMat *TLSMaterial) (*Client, error) {
	opts := []client.Opt{client.WithHost(endpoint)}

	if tlsMat != nil {
		tlsConfig, err := tlsMat.config()
		if err != nil {
			return nil, fmt.Errorf("configure docker tls: %w", err)
		}
		if u, parseErr := url.Parse(endpoint); parseErr == nil {
			tlsConfig.ServerName = u.Hostname()
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				TLSClientConfig:       tlsConfig,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}))
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create tcp client: %w", err)
	}
	return &Client{api: api}, nil
}

// config builds a tls.Config from the PEM material.
func (t *TLSMaterial) config() (*tls.Config, error) {
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(t.CACert) {
		return nil, fmt.Errorf("failed to parse CA cert")
	}
	clientCert, err := tls.X509KeyPair(t.ClientCert, t.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}
	return &tls.Config{
		RootCAs:            certPool,
		Certificates:       []tls.Certificate{clientCert},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify, //nolint:gosec // explicit operator opt-in
	}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client and any transport resources behind it.
func (c *Client) Close() error {
	err := c.api.Close()
	if c.closer != nil {
		if cerr := c.closer(); err == nil {
			err = cerr
		}
	}
	return err
}
