package docker

import (
	"errors"
	"net"

	cerrdefs "github.com/containerd/errdefs"
)

// IsConnectionError reports whether an error means the daemon could not
// be reached, as opposed to the daemon answering with an API error. The
// moby client marks transport failures as unavailable; SSH tunnels and
// raw sockets surface net errors directly.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if cerrdefs.IsUnavailable(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
