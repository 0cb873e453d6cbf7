//go:build linux

package iface

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Linux tunnel ioctl constants. These are not exposed by golang.org/x/sys/unix
// as named constants (the kernel uapi <linux/if_tun.h> values), so they are
// reproduced here the way every userspace TAP opener does (wireguard-go's
// tun_linux.go and this pack's internal/netlink tunnel setup follow the same
// pattern of hand-encoding the ioctl request number).
const (
	tunSetIFF  = 0x400454ca
	ifNameSize = 16
)

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// TAPDevice is a Device backed by the host's /dev/net/tun in TAP mode:
// whole Ethernet frames in, whole Ethernet frames out, no protocol
// information header (IFF_TAP|IFF_NO_PI).
type TAPDevice struct {
	*BaseDevice
	file *os.File
}

// NewTAPDevice opens (but does not bring up) a TAP device named ifName,
// creating it if it does not already exist.
func NewTAPDevice(ifName string, mtu int, hw, bcast MAC) (*TAPDevice, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("iface: open /dev/net/tun: %w: %v", stackerr.ErrDeviceIO, err)
	}

	var req ifReq
	copy(req.Name[:], ifName)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("iface: TUNSETIFF %q: %w: %v", ifName, stackerr.ErrDeviceIO, errno)
	}

	return &TAPDevice{
		BaseDevice: NewBaseDevice(ifName, mtu, hw, bcast),
		file:       f,
	}, nil
}

// Open marks the device administratively up. The file descriptor is
// already usable after NewTAPDevice; Open/Close only gate the stack's own
// Up/Down bookkeeping, matching spec.md §6's "device must be in UP state
// to transmit".
func (d *TAPDevice) Open() error {
	d.setState(StateUp)
	return nil
}

func (d *TAPDevice) Close() error {
	d.setState(StateDown)
	if d.file == nil {
		return nil
	}
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("iface: close %q: %w: %v", d.Name(), stackerr.ErrDeviceIO, err)
	}
	return nil
}

// Transmit frames payload as an Ethernet II frame and writes it to the TAP
// device.
func (d *TAPDevice) Transmit(et EtherType, payload []byte, dst MAC) error {
	if err := d.CheckTransmit(payload); err != nil {
		return err
	}
	frame := BuildEthernetFrame(dst, d.HWAddr(), et, payload)
	if _, err := d.file.Write(frame); err != nil {
		return fmt.Errorf("iface: write %q: %w: %v", d.Name(), stackerr.ErrDeviceIO, err)
	}
	return nil
}

// Recv blocks reading one raw Ethernet frame from the TAP device.
func (d *TAPDevice) Recv(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("iface: read %q: %w: %v", d.Name(), stackerr.ErrDeviceIO, err)
	}
	return n, nil
}
