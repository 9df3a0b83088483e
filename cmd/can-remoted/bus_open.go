package main

import (
	"fmt"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/slcan"
	"github.com/canlan/go-can-remote/internal/socketcan"
)

// selectOpener maps the configured interface type to a bus opener. The
// opener is invoked once per client session with the merged config.
func selectOpener(iface string) (bus.Opener, error) {
	switch iface {
	case "socketcan":
		return socketcan.Open, nil
	case "slcan":
		return slcan.Open, nil
	case "virtual":
		return bus.OpenVirtual, nil
	default:
		return nil, fmt.Errorf("unknown interface %q (use socketcan|slcan|virtual)", iface)
	}
}
