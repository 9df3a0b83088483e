//go:build linux

// Package socketcan implements the bus adapter on top of a raw AF_CAN
// socket. Receive filters are pushed into the kernel with CAN_RAW_FILTER;
// bounded-wait receive uses poll(2) so a shutdown is noticed within one
// poll interval.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/can"
)

type Device struct {
	fd     int
	iface  string
	closed atomic.Bool
}

// Open binds a raw CAN socket to the named interface and installs the
// configured receive filters. Bitrate is not touched: interface bitrate
// is configured out-of-band with `ip link` on Linux.
func Open(cfg bus.Config) (bus.Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if len(cfg.Filters) > 0 {
		kf := make([]unix.CanFilter, len(cfg.Filters))
		for i, f := range cfg.Filters {
			id := f.ID
			mask := f.Mask
			if f.Extended {
				id = (id & can.EFFMask) | can.EFFFlag
				mask |= can.EFFFlag
			}
			kf[i] = unix.CanFilter{Id: id, Mask: mask}
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set filters: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(cfg.Channel)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", cfg.Channel, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", cfg.Channel, err)
	}
	return &Device{fd: fd, iface: cfg.Channel}, nil
}

func (d *Device) ChannelInfo() string { return fmt.Sprintf("socketcan channel '%s'", d.iface) }

func (d *Device) Shutdown() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}

// Send writes one classic CAN frame to the raw socket.
func (d *Device) Send(f can.Frame) error {
	if d.closed.Load() {
		return bus.ErrClosed
	}
	var buf [unix.CAN_MTU]byte
	// struct can_frame fields are in host byte order; common Linux
	// targets are little-endian.
	binary.LittleEndian.PutUint32(buf[0:4], f.WireID())
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// Recv waits up to timeout for one frame. It returns (nil, nil) when the
// wait elapses without data.
func (d *Device) Recv(timeout time.Duration) (*can.Frame, error) {
	if d.closed.Load() {
		return nil, bus.ErrClosed
	}
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	var buf [unix.CAN_MTU]byte
	rn, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if rn != unix.CAN_MTU {
		return nil, fmt.Errorf("short read: %d", rn)
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	f := can.FromWireID(binary.LittleEndian.Uint32(buf[0:4]))
	f.Len = uint8(dlc)
	copy(f.Data[:], buf[8:8+dlc])
	return &f, nil
}
