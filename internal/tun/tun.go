// Package tun creates and configures the single TUN device the tunnel
// reads raw IPv6 packets from and writes raw IPv6 packets to (§2, §4.7).
//
// Device creation follows the teacher's faketcp.NewTun: open
// /dev/net/tun, TUNSETIFF with IFF_TUN|IFF_NO_PI. Address assignment is
// done by shelling out to the ip(8) CLI, the same way the teacher
// configures its TUN peer addresses, rather than reimplementing
// netlink — this tunnel only ever assigns one prefix at startup, so a
// netlink client would be the over-engineered choice here.
package tun

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unsafe"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// Device is a single-queue TUN interface carrying raw IPv6 packets.
type Device struct {
	file *os.File
	name string
	mtu  int

	mu     sync.RWMutex
	closed bool
}

// Config describes how to create and address the TUN device.
type Config struct {
	Name string // interface name, e.g. "stupid_tunnel"
	MTU  int    // default 1500

	// IPv6Prefix is assigned to the interface as a /96 (or whatever
	// prefix length it carries), e.g. "abcd:ef00::1001/96".
	IPv6Prefix string

	// ExtraArgs is appended, shlex-split, to the `ip addr add` and `ip
	// link set` invocations (config field ip_extra_args, §10.3) — for
	// environments that need e.g. a non-default netns.
	ExtraArgs string
}

// New creates the TUN device, brings it up, and assigns IPv6Prefix.
func New(cfg Config) (*Device, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}

	extra, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("tun: parsing ip_extra_args: %w", err)
	}

	fd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tun: %s does not exist; is the tun kernel module loaded?", cloneDevicePath)
		}
		return nil, fmt.Errorf("tun: open %s: %w", cloneDevicePath, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:], cfg.Name)
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}

	name := trimNull(string(ifr[:unix.IFNAMSIZ]))
	d := &Device{file: os.NewFile(uintptr(fd), cloneDevicePath), name: name, mtu: cfg.MTU}

	if err := d.up(extra); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.setMTU(cfg.MTU, extra); err != nil {
		d.Close()
		return nil, err
	}
	if cfg.IPv6Prefix != "" {
		if err := d.addIPv6(cfg.IPv6Prefix, extra); err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the interface's configured MTU.
func (d *Device) MTU() int { return d.mtu }

// Read reads one raw IPv6 packet from the device.
func (d *Device) Read(buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.file.Read(buf)
}

// Write writes one raw IPv6 packet to the device.
func (d *Device) Write(buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.file.Write(buf)
}

// Close closes the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

func (d *Device) up(extra []string) error {
	return run(append([]string{"link", "set", "dev", d.name, "up"}, extra...)...)
}

func (d *Device) setMTU(mtu int, extra []string) error {
	return run(append([]string{"link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", mtu)}, extra...)...)
}

func (d *Device) addIPv6(prefix string, extra []string) error {
	return run(append([]string{"-6", "addr", "add", prefix, "dev", d.name}, extra...)...)
}

func run(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tun: ip %v: %w (output: %s)", args, err, out)
	}
	return nil
}

func trimNull(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}
