package main

import (
	"fmt"
	"net"
	"runtime"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// KniDevice is the virtual interface that exposes non-proxy traffic to the
// host kernel: ARP, ICMP and any control-plane flows the pipelines do not
// understand. The read side (frames the kernel wants to transmit) feeds the
// KNI-core bridge stage; the write side receives everything the classifiers
// route to the kernel.
type KniDevice struct {
	ifce *water.Interface
	name string
	rx   chan []byte
}

func newKniDevice(name string) (*KniDevice, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating tap device %q: %w", name, err)
	}

	d := &KniDevice{ifce: ifce, name: name, rx: make(chan []byte, 1024)}

	// The tap file descriptor only supports blocking reads, so a reader
	// goroutine bridges it into a channel the poll-mode stage can drain.
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := ifce.Read(buf)
			if err != nil {
				verbosef("kni %s reader exiting: %v", name, err)
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case d.rx <- cp:
			default:
				verbosef("kni rx channel full, dropping %d bytes", n)
			}
		}
	}()

	return d, nil
}

// Recv drains buffered kernel-originated frames without blocking.
func (d *KniDevice) Recv(bufs [][]byte) int {
	n := 0
	for n < len(bufs) {
		select {
		case frame := <-d.rx:
			bufs[n] = bufs[n][:copy(bufs[n][:cap(bufs[n])], frame)]
			n++
		default:
			return n
		}
	}
	return n
}

// Send hands one frame to the kernel stack.
func (d *KniDevice) Send(frame []byte) bool {
	_, err := d.ifce.Write(frame)
	if err != nil {
		verbosef("error writing %d bytes to kni: %v, dropping", len(frame), err)
		return false
	}
	return true
}

// Close shuts the device down.
func (d *KniDevice) Close() error { return d.ifce.Close() }

// setupKni provisions the KNI interface for the host stack: assign the
// configured MAC, create a named network namespace, move the interface into
// it, assign an address and bring the link up. Every step is best-effort:
// a failure is logged and the engine keeps running with the kernel path
// dark.
func setupKni(conf KniConfig) {
	verbosef("setup_kni %q in netns %q", conf.Name, conf.Netns)

	link, err := netlink.LinkByName(conf.Name)
	if err != nil {
		errorf("error finding link for kni device %q: %v, kernel traffic will be dropped", conf.Name, err)
		return
	}

	if conf.Mac != "" {
		mac, err := net.ParseMAC(conf.Mac)
		if err != nil {
			errorf("error parsing kni.mac %q: %v", conf.Mac, err)
		} else if err := netlink.LinkSetHardwareAddr(link, mac); err != nil {
			errorf("error assigning MAC %v to %q: %v", mac, conf.Name, err)
		} else {
			verbosef("assigned MAC %v to %s", mac, conf.Name)
		}
	}

	// namespace operations are thread-local
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		errorf("error getting current netns: %v, leaving kni in place", err)
		return
	}
	defer origin.Close()

	handle, err := netns.NewNamed(conf.Netns)
	if err != nil {
		errorf("error creating network namespace %q: %v, leaving kni in place", conf.Netns, err)
		netns.Set(origin)
		return
	}
	defer handle.Close()

	// NewNamed switched us into the new namespace; go back to move the link
	if err := netns.Set(origin); err != nil {
		errorf("error switching back to original netns: %v", err)
		return
	}

	if err := netlink.LinkSetNsFd(link, int(handle)); err != nil {
		errorf("error moving kni device %q to namespace %q: %v", conf.Name, conf.Netns, err)
		return
	}
	verbosef("moved %s into netns %s", conf.Name, conf.Netns)

	// the rest happens inside the namespace
	if err := netns.Set(handle); err != nil {
		errorf("error entering netns %q: %v", conf.Netns, err)
		return
	}
	defer netns.Set(origin)

	nslink, err := netlink.LinkByName(conf.Name)
	if err != nil {
		errorf("error finding kni device %q inside netns: %v", conf.Name, err)
		return
	}

	if conf.IPNet != "" {
		addr, err := netlink.ParseIPNet(conf.IPNet)
		if err != nil {
			errorf("error parsing kni.ipnet %q: %v", conf.IPNet, err)
		} else if err := netlink.AddrAdd(nslink, &netlink.Addr{IPNet: addr}); err != nil {
			errorf("error assigning address %v to kni device: %v", addr, err)
		} else {
			verbosef("assigned %v to %s", addr, conf.Name)
		}
	}

	if err := netlink.LinkSetUp(nslink); err != nil {
		errorf("error bringing up kni device %q: %v", conf.Name, err)
		return
	}

	addrs, err := netlink.AddrList(nslink, netlink.FAMILY_V4)
	if err == nil {
		verbosef("kni device %s up with addresses %v", conf.Name, addrs)
	}
}
