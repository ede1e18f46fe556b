package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// FrameRx is the receive side of a queue. Recv fills the provided buffers
// with at most len(bufs) frames and returns how many it read; it never
// blocks.
type FrameRx interface {
	Recv(bufs [][]byte) int
}

// FrameTx is the transmit side of a queue. Send reports false when the
// frame was dropped; under generator semantics congestion drops are silent.
type FrameTx interface {
	Send(frame []byte) bool
}

// PortQueue is one NIC receive/transmit queue pair backed by an AF_PACKET
// socket. One pipeline owns one queue; flow steering (RSS or flow director
// rules on the NIC) must be configured so that server-side frames with a
// dst port in the pipeline's proxy range arrive on the pipeline's queue.
type PortQueue struct {
	conn   *packet.Conn
	portID uint16
	rxq    uint16
}

func openPortQueue(ifaceName string, portID, rxq uint16) (*PortQueue, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("error finding interface %q: %w", ifaceName, err)
	}

	// packet.Raw means full frames including the MAC header
	// unix.ETH_P_ALL means all protocols
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("you need root permissions to open raw packet sockets (%w)", err)
		}
		return nil, fmt.Errorf("error opening raw packet socket on %q: %w", ifaceName, err)
	}

	// the L2 filter sees multicast and frames for other MACs, so run
	// promiscuous and let the pipeline classify
	err = conn.SetPromiscuous(true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error setting promiscuous mode on %q: %w", ifaceName, err)
	}

	return &PortQueue{conn: conn, portID: portID, rxq: rxq}, nil
}

func (q *PortQueue) PortID() uint16 { return q.portID }
func (q *PortQueue) RxQ() uint16    { return q.rxq }

// Recv polls the socket for up to len(bufs) frames. An immediate read
// deadline turns the blocking socket into a poll-mode queue.
func (q *PortQueue) Recv(bufs [][]byte) int {
	n := 0
	for n < len(bufs) {
		q.conn.SetReadDeadline(time.Now())
		sz, _, err := q.conn.ReadFrom(bufs[n])
		if err != nil {
			if !os.IsTimeout(err) {
				verbosef("error reading from packet socket: %v, ignoring", err)
			}
			break
		}
		if sz == 0 {
			break
		}
		bufs[n] = bufs[n][:sz]
		n++
	}
	return n
}

// Send transmits one frame, dropping it on any error.
func (q *PortQueue) Send(frame []byte) bool {
	if len(frame) < 6 {
		return false
	}
	_, err := q.conn.WriteTo(frame, &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])})
	if err != nil {
		verbosef("error writing %d bytes to packet socket: %v, dropping", len(frame), err)
		return false
	}
	return true
}

// Close releases the socket.
func (q *PortQueue) Close() error { return q.conn.Close() }
