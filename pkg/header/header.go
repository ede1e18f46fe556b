// Package header provides mutable views onto the Ethernet, IPv4 and TCP
// headers of a raw frame. The views alias disjoint byte ranges of the same
// buffer, so a frame can be split once and all three headers edited in place
// while the packet moves through the pipeline.
package header

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/monasticacademy/flowgen/pkg/checksum"
)

const (
	// EthernetMinimumSize is the Ethernet header length (no 802.1Q tag).
	EthernetMinimumSize = 14
	// IPv4MinimumSize is the IPv4 header length without options.
	IPv4MinimumSize = 20
	// TCPMinimumSize is the TCP header length without options.
	TCPMinimumSize = 20

	// EtherTypeIPv4 is the ethertype of IPv4 frames.
	EtherTypeIPv4 = 0x0800
)

// TCP flag bits as they appear in byte 13 of the TCP header.
const (
	TCPFlagFin = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// Ethernet is a view onto an Ethernet header.
type Ethernet []byte

func (b Ethernet) DstMAC() net.HardwareAddr { return net.HardwareAddr(b[0:6]) }
func (b Ethernet) SrcMAC() net.HardwareAddr { return net.HardwareAddr(b[6:12]) }
func (b Ethernet) SetDstMAC(a net.HardwareAddr) { copy(b[0:6], a) }
func (b Ethernet) SetSrcMAC(a net.HardwareAddr) { copy(b[6:12], a) }

func (b Ethernet) EtherType() uint16 { return binary.BigEndian.Uint16(b[12:14]) }
func (b Ethernet) SetEtherType(et uint16) { binary.BigEndian.PutUint16(b[12:14], et) }

// IsUnicastTo reports whether the destination MAC equals mac.
func (b Ethernet) IsUnicastTo(mac net.HardwareAddr) bool {
	for i := 0; i < 6; i++ {
		if b[i] != mac[i] {
			return false
		}
	}
	return true
}

// IsMulticast reports whether the destination MAC is a group address, which
// includes broadcast.
func (b Ethernet) IsMulticast() bool { return b[0]&1 != 0 }

// IPv4 is a view onto an IPv4 header.
type IPv4 []byte

func (b IPv4) Version() uint8 { return b[0] >> 4 }
func (b IPv4) HeaderLen() int { return int(b[0]&0x0f) * 4 }
func (b IPv4) TotalLen() uint16 { return binary.BigEndian.Uint16(b[2:4]) }
func (b IPv4) TTL() uint8 { return b[8] }
func (b IPv4) SetTTL(ttl uint8) { b[8] = ttl }
func (b IPv4) Protocol() uint8 { return b[9] }

func (b IPv4) SrcIP() uint32 { return binary.BigEndian.Uint32(b[12:16]) }
func (b IPv4) DstIP() uint32 { return binary.BigEndian.Uint32(b[16:20]) }
func (b IPv4) SetSrcIP(ip uint32) { binary.BigEndian.PutUint32(b[12:16], ip) }
func (b IPv4) SetDstIP(ip uint32) { binary.BigEndian.PutUint32(b[16:20], ip) }

func (b IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(b[10:12]) }
func (b IPv4) SetChecksum(c uint16) { binary.BigEndian.PutUint16(b[10:12], c) }

// UpdateChecksum recomputes the header checksum from scratch.
func (b IPv4) UpdateChecksum() {
	b.SetChecksum(checksum.IPv4(b[:b.HeaderLen()]))
}

// PayloadLen is the number of bytes after the IP header according to the
// total length field.
func (b IPv4) PayloadLen() int { return int(b.TotalLen()) - b.HeaderLen() }

// TCP is a view onto a TCP header.
type TCP []byte

func (b TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(b[0:2]) }
func (b TCP) DstPort() uint16 { return binary.BigEndian.Uint16(b[2:4]) }
func (b TCP) SetSrcPort(p uint16) { binary.BigEndian.PutUint16(b[0:2], p) }
func (b TCP) SetDstPort(p uint16) { binary.BigEndian.PutUint16(b[2:4], p) }
func (b TCP) SeqNum() uint32 { return binary.BigEndian.Uint32(b[4:8]) }
func (b TCP) SetSeqNum(n uint32) { binary.BigEndian.PutUint32(b[4:8], n) }
func (b TCP) AckNum() uint32 { return binary.BigEndian.Uint32(b[8:12]) }
func (b TCP) SetAckNum(n uint32) { binary.BigEndian.PutUint32(b[8:12], n) }
func (b TCP) DataOffset() int { return int(b[12]>>4) * 4 }
func (b TCP) SetDataOffset(words int) { b[12] = byte(words) << 4 }
func (b TCP) Flags() uint8 { return b[13] }
func (b TCP) SetFlag(f uint8) { b[13] |= f }
func (b TCP) ClearFlag(f uint8) { b[13] &^= f }
func (b TCP) HasFlag(f uint8) bool { return b[13]&f != 0 }
func (b TCP) Window() uint16 { return binary.BigEndian.Uint16(b[14:16]) }
func (b TCP) SetWindow(w uint16) { binary.BigEndian.PutUint16(b[14:16], w) }
func (b TCP) Checksum() uint16 { return binary.BigEndian.Uint16(b[16:18]) }
func (b TCP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(b[16:18], c) }

// Headers aggregates the three views of one frame.
type Headers struct {
	Mac Ethernet
	IP  IPv4
	Tcp TCP
}

// Split slices frame into Ethernet, IPv4 and TCP views. It validates only
// lengths and the IPv4 version nibble; callers classify protocol and flags
// themselves.
func Split(frame []byte) (Headers, error) {
	if len(frame) < EthernetMinimumSize+IPv4MinimumSize+TCPMinimumSize {
		return Headers{}, fmt.Errorf("frame too short for mac+ip+tcp: %d bytes", len(frame))
	}
	mac := Ethernet(frame[:EthernetMinimumSize])
	ip := IPv4(frame[EthernetMinimumSize:])
	if ip.Version() != 4 {
		return Headers{}, fmt.Errorf("not an IPv4 packet (version %d)", ip.Version())
	}
	ihl := ip.HeaderLen()
	if ihl < IPv4MinimumSize || len(frame) < EthernetMinimumSize+ihl+TCPMinimumSize {
		return Headers{}, fmt.Errorf("bad IPv4 header length %d", ihl)
	}
	tcp := TCP(frame[EthernetMinimumSize+ihl:])
	return Headers{Mac: mac, IP: ip[:ihl], Tcp: tcp}, nil
}

// SplitEthernet returns just the Ethernet view of a frame.
func SplitEthernet(frame []byte) (Ethernet, error) {
	if len(frame) < EthernetMinimumSize {
		return nil, fmt.Errorf("frame too short for mac header: %d bytes", len(frame))
	}
	return Ethernet(frame[:EthernetMinimumSize]), nil
}
