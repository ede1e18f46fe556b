package main

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/monasticacademy/flowgen/pkg/checksum"
	"github.com/monasticacademy/flowgen/pkg/cmanager"
	"github.com/monasticacademy/flowgen/pkg/header"
)

type tcpFrameSpec struct {
	srcMAC, dstMAC   net.HardwareAddr
	srcIP, dstIP     uint32
	srcPort, dstPort uint16
	seq, ackN        uint32
	syn, ack, fin, rst bool
	payload          []byte
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func mkTCPFrame(t *testing.T, spec tcpFrameSpec) []byte {
	t.Helper()

	eth := layers.Ethernet{SrcMAC: spec.srcMAC, DstMAC: spec.dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    uint32ToIP(spec.srcIP),
		DstIP:    uint32ToIP(spec.dstIP),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(spec.srcPort),
		DstPort: layers.TCPPort(spec.dstPort),
		Seq:     spec.seq,
		Ack:     spec.ackN,
		SYN:     spec.syn,
		ACK:     spec.ack,
		FIN:     spec.fin,
		RST:     spec.rst,
		Window:  64240,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload(spec.payload)))
	return append([]byte(nil), buf.Bytes()...)
}

// requireValidChecksums verifies both checksum invariants on a frame leaving
// the core: the IP header checksum is valid, and the TCP checksum equals a
// from-scratch recomputation.
func requireValidChecksums(t *testing.T, frame []byte) {
	t.Helper()
	hs, err := header.Split(frame)
	require.NoError(t, err)
	require.Equal(t, checksum.IPv4(hs.IP[:hs.IP.HeaderLen()]), hs.IP.Checksum(), "ip header checksum")
	segment := hs.Tcp[:hs.IP.PayloadLen()]
	require.Equal(t, checksum.TCP(hs.IP.SrcIP(), hs.IP.DstIP(), segment), hs.Tcp.Checksum(), "tcp checksum")
}

// establish runs the injector once against a pool of one and completes the
// handshake on proxy port 10000, leaving a stable two-way connection.
func establish(t *testing.T, env *testEnv) *cmanager.Connection {
	t.Helper()

	env.sched.RunOnce()
	c := env.p.sm.Get(10000)
	require.NotNil(t, c)
	env.nic.sent = nil
	env.drainMsgs()

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEEF, ackN: c.CSeqn + 1,
		syn: true, ack: true,
	}))
	env.sched.RunOnce()

	require.Equal(t, cmanager.StateEstablished, c.ConRec.CState)
	require.Equal(t, cmanager.StateEstablished, c.ConRec.SState)
	return c
}

// Scenario: one injector tick against a pool of one port yields exactly one
// outbound SYN; the other fifteen frames find no free port and are dumped.
func TestSingleSynEmission(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})

	env.sched.RunOnce()

	require.Len(t, env.nic.sent, 1, "one SYN for one free port")
	require.Empty(t, env.kni.sent)

	hs, err := header.Split(env.nic.sent[0])
	require.NoError(t, err)
	require.Equal(t, uint16(header.EtherTypeIPv4), hs.Mac.EtherType(), "private tag must be overwritten")
	require.Equal(t, testEngineMAC, hs.Mac.SrcMAC())
	require.Equal(t, testServerMAC, hs.Mac.DstMAC())
	require.Equal(t, testEngineIP, hs.IP.SrcIP())
	require.Equal(t, testServerIP, hs.IP.DstIP())
	require.Equal(t, uint16(10000), hs.Tcp.SrcPort())
	require.Equal(t, uint16(80), hs.Tcp.DstPort())
	require.Equal(t, uint8(header.TCPFlagSyn), hs.Tcp.Flags(), "SYN and nothing else")
	require.Equal(t, uint16(5840), hs.Tcp.Window())
	require.Zero(t, hs.Tcp.AckNum())
	require.Equal(t, uint8(127), hs.IP.TTL(), "prototype TTL 128 aged by one")
	requireValidChecksums(t, env.nic.sent[0])

	c := env.p.sm.Get(10000)
	require.NotNil(t, c)
	require.Equal(t, c.CSeqn, hs.Tcp.SeqNum())
	require.Equal(t, cmanager.StateSynSent, c.ConRec.CState)
	require.Equal(t, cmanager.StateSynReceived, c.ConRec.SState)
	require.Equal(t, "server0", c.ConRec.ServerID)

	// the remaining fifteen frames of the burst hit pool exhaustion
	require.Equal(t, 1, env.p.sm.Live())
}

// Scenario: a valid SYN-ACK on the proxy port completes the handshake: the
// outbound ACK acknowledges seq+1 and an Established message is emitted
// exactly once.
func TestHandshakeCompletion(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})

	env.sched.RunOnce()
	c := env.p.sm.Get(10000)
	require.NotNil(t, c)
	seed := c.CSeqn
	env.nic.sent = nil
	env.drainMsgs()

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEEF, ackN: seed + 1,
		syn: true, ack: true,
	}))
	env.sched.RunOnce()

	require.Len(t, env.nic.sent, 1)
	hs, err := header.Split(env.nic.sent[0])
	require.NoError(t, err)
	require.Equal(t, testEngineIP, hs.IP.SrcIP())
	require.Equal(t, testServerIP, hs.IP.DstIP())
	require.Equal(t, uint16(10000), hs.Tcp.SrcPort())
	require.Equal(t, uint16(80), hs.Tcp.DstPort())
	require.True(t, hs.Tcp.HasFlag(header.TCPFlagAck))
	require.False(t, hs.Tcp.HasFlag(header.TCPFlagSyn), "SYN cleared on the reply")
	require.Equal(t, seed+1, hs.Tcp.SeqNum())
	require.Equal(t, uint32(0xDEADBEF0), hs.Tcp.AckNum(), "ack = incoming seq + 1")
	requireValidChecksums(t, env.nic.sent[0])

	msgs := env.drainMsgs()
	require.Equal(t, 1, countMsgs[EstablishedMsg](msgs), "Established emitted exactly once")
}

// Scenario: a RST from the server releases the connection in the same
// invocation; afterwards the port is free and later segments for it go to
// the kernel.
func TestServerRst(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	establish(t, env)
	env.nic.sent = nil
	env.drainMsgs()

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEF0, rst: true,
	}))
	env.sched.RunOnce()

	recs := crecords(env.drainMsgs())
	require.Len(t, recs, 1, "record sealed in the invocation that processed the RST")
	require.Equal(t, cmanager.CauseRstServer, recs[0].Release)
	require.Equal(t, uint16(10000), recs[0].ProxyPort)
	require.Nil(t, env.p.sm.Get(10000), "port free after RST")

	// the RST itself was translated onto the client leg of the
	// established connection
	require.Len(t, env.nic.sent, 1)
	requireValidChecksums(t, env.nic.sent[0])

	// a follow-up segment for the released port has no state: the kernel
	// answers it
	env.kni.sent = nil
	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000, ack: true,
	}))
	env.sched.RunOnce()
	require.Len(t, env.kni.sent, 1, "unknown port goes to KNI")
}

// Scenario: server-initiated close: FIN moves the server side to FinWait;
// after our own FIN (stepped by the harness) the server's final ACK seals
// the record with cause FinServer.
func TestServerFinThenAck(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	c := establish(t, env)
	env.nic.sent = nil
	env.drainMsgs()

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEF0, ackN: c.CSeqn + 1,
		fin: true, ack: true,
	}))
	env.sched.RunOnce()
	require.Equal(t, cmanager.StateFinWait, c.ConRec.SState)
	require.Len(t, env.nic.sent, 1, "FIN still translated to the client")
	requireValidChecksums(t, env.nic.sent[0])

	// our side answers with its own FIN; the client half is then waiting
	// for the last ACK
	c.ConRec.SetCState(cmanager.StateLastAck)

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEF1, ackN: c.CSeqn + 2,
		ack: true,
	}))
	env.sched.RunOnce()

	recs := crecords(env.drainMsgs())
	require.Len(t, recs, 1)
	require.Equal(t, cmanager.CauseFinServer, recs[0].Release)
	require.Nil(t, env.p.sm.Get(10000))
}

// Scenario: a segment for a port above the allocation pool has no state and
// is handed to the kernel unchanged in routing terms.
func TestUnknownDstPort(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	env.sched.RunOnce()
	env.nic.sent, env.kni.sent = nil, nil

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10001, ack: true,
	}))
	env.sched.RunOnce()

	require.Empty(t, env.nic.sent)
	require.Len(t, env.kni.sent, 1)
	require.NotNil(t, env.p.sm.Get(10000), "unrelated connection unaffected")
}

// Scenario: non-TCP traffic to the engine address bypasses the TCP path and
// reaches the kernel byte-for-byte.
func TestNonProxyTrafficToKni(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	env.sched.RunOnce()
	env.nic.sent, env.kni.sent = nil, nil

	eth := layers.Ethernet{SrcMAC: testServerMAC, DstMAC: testEngineMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    uint32ToIP(testServerIP),
		DstIP:    uint32ToIP(testEngineIP),
	}
	udp := layers.UDP{SrcPort: 4711, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(&ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload([]byte("query"))))
	frame := append([]byte(nil), buf.Bytes()...)

	env.nic.push(frame)
	env.sched.RunOnce()

	require.Empty(t, env.nic.sent)
	require.Len(t, env.kni.sent, 1)
	require.Equal(t, frame, env.kni.sent[0], "forwarded verbatim, no TTL aging on the kernel path")
}

// A duplicate SYN-ACK on an established connection is re-answered without
// advancing the client sequence offset again.
func TestDuplicateSynAck(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	c := establish(t, env)
	seqnAfter := c.CSeqn
	env.nic.sent = nil
	env.drainMsgs()

	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEEF, ackN: seqnAfter,
		syn: true, ack: true,
	}))
	env.sched.RunOnce()

	require.Equal(t, seqnAfter, c.CSeqn, "duplicate must not advance the offset")
	require.Len(t, env.nic.sent, 1)
	msgs := env.drainMsgs()
	require.Zero(t, countMsgs[EstablishedMsg](msgs), "no second Established")
}

// Established data from the server is translated: addresses, ports and
// sequence numbers move onto the client leg with checksums maintained
// incrementally.
func TestServerToClientTranslation(t *testing.T) {
	env := newTestEnv(t, envOptions{poolSize: 1, noBatches: 1})
	c := establish(t, env)
	env.nic.sent = nil

	payload := []byte("HTTP/1.1 200 OK\r\n\r\n")
	env.nic.push(mkTCPFrame(t, tcpFrameSpec{
		srcMAC: testServerMAC, dstMAC: testEngineMAC,
		srcIP: testServerIP, dstIP: testEngineIP,
		srcPort: 80, dstPort: 10000,
		seq: 0xDEADBEF0, ackN: c.CSeqn + 1,
		ack: true, payload: payload,
	}))
	env.sched.RunOnce()

	require.Len(t, env.nic.sent, 1)
	hs, err := header.Split(env.nic.sent[0])
	require.NoError(t, err)

	require.Equal(t, testEngineMAC, hs.Mac.SrcMAC())
	require.Equal(t, c.ClientMAC, hs.Mac.DstMAC())
	require.Equal(t, testEngineIP, hs.IP.SrcIP())
	require.Equal(t, c.ClientSock.IP, hs.IP.DstIP())
	require.Equal(t, uint16(8000), hs.Tcp.SrcPort(), "engine port toward the client")
	require.Equal(t, c.ClientSock.Port, hs.Tcp.DstPort())
	require.Equal(t, 0xDEADBEF0+c.CSeqn, hs.Tcp.SeqNum(), "server seq shifted by the client offset")
	require.Equal(t, uint8(63), hs.IP.TTL())
	requireValidChecksums(t, env.nic.sent[0])

	// payload intact after the header rewrite
	got := hs.Tcp[hs.Tcp.DataOffset():hs.IP.PayloadLen()]
	require.Equal(t, payload, []byte(got))
}
