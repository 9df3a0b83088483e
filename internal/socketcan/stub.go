//go:build !linux

package socketcan

import (
	"errors"

	"github.com/canlan/go-can-remote/internal/bus"
)

// Open is provided for non-linux builds so the interface selection in
// cmd/can-remoted compiles; SocketCAN needs a Linux kernel.
func Open(cfg bus.Config) (bus.Bus, error) {
	return nil, errors.New("socketcan unsupported on this platform")
}
