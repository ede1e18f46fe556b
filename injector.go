package main

import (
	"encoding/binary"

	"github.com/monasticacademy/flowgen/pkg/cmanager"
	"github.com/monasticacademy/flowgen/pkg/header"
	"github.com/monasticacademy/flowgen/pkg/spsc"
)

const (
	// privateEtherType marks injector frames through an unused ethertype;
	// the state machine rewrites them into real outbound SYNs. External
	// traffic never carries this value.
	privateEtherType = 0x08FF

	// injectorBurst frames are produced per injector execution.
	injectorBurst = 16

	// minFrameSize is the shortest frame we put on the wire, without FCS.
	minFrameSize = 60
)

// PacketInjector produces SYN-shaped frames tagged with the private
// ethertype and feeds them to the pipeline through an SPSC ring. The source
// port in the prototype header is bumped per frame to spread the receive
// hash; the real proxy port is assigned later by the connection manager.
type PacketInjector struct {
	prototype   [minFrameSize]byte
	producer    *spsc.Ring[[]byte]
	noBatches   uint32 // 0 means unbounded
	sentBatches uint32
}

// NewPacketInjector builds the prototype headers once. With noBatches=0
// batch creation is unlimited.
func NewPacketInjector(producer *spsc.Ring[[]byte], me cmanager.L234Data, noBatches uint32) *PacketInjector {
	inj := &PacketInjector{producer: producer, noBatches: noBatches}

	mac := header.Ethernet(inj.prototype[:header.EthernetMinimumSize])
	mac.SetSrcMAC(me.MAC)
	mac.SetEtherType(privateEtherType)

	ip := header.IPv4(inj.prototype[header.EthernetMinimumSize:])
	inj.prototype[header.EthernetMinimumSize] = 0x45 // version 4, ihl 5
	binary.BigEndian.PutUint16(inj.prototype[header.EthernetMinimumSize+2:], 40)
	binary.BigEndian.PutUint16(inj.prototype[header.EthernetMinimumSize+6:], 0x4000) // DF
	ip.SetTTL(128)
	inj.prototype[header.EthernetMinimumSize+9] = 6 // TCP
	ip.SetSrcIP(me.IP)

	tcp := header.TCP(inj.prototype[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	tcp.SetSrcPort(me.Port)
	tcp.SetDataOffset(5)
	tcp.SetFlag(header.TCPFlagSyn)

	return inj
}

func (inj *PacketInjector) incrSrcPort() {
	tcp := header.TCP(inj.prototype[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	tcp.SetSrcPort(tcp.SrcPort() + 1)
}

// Execute enqueues one burst of prototype frames. A full ring drops frames
// silently; the generator does not retransmit.
func (inj *PacketInjector) Execute() uint32 {
	if inj.noBatches != 0 && inj.sentBatches >= inj.noBatches {
		return 0
	}
	var count uint32
	for i := 0; i < injectorBurst; i++ {
		frame := make([]byte, minFrameSize)
		copy(frame, inj.prototype[:])
		inj.incrSrcPort()
		inj.producer.Enqueue(frame)
		count++
	}
	inj.sentBatches++
	return count
}
