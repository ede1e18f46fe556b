package main

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/monasticacademy/flowgen/pkg/checksum"
	"github.com/monasticacademy/flowgen/pkg/cmanager"
	"github.com/monasticacademy/flowgen/pkg/header"
)

// This file contains the TCP half-state machine and header rewriter, run by
// the processing stage once per ingress frame on the TCP path.

// assert aborts the process on an invariant violation. These indicate a bug
// or an upstream flow-steering misconfiguration, never a traffic condition.
func assert(cond bool, format string, args ...interface{}) {
	if !cond {
		log.Fatalf("assertion failed: "+format, args...)
	}
}

// doTTL ages the packet: decrement the TTL without wrapping below zero and
// recompute the IP header checksum.
func doTTL(hs header.Headers) {
	ttl := hs.IP.TTL()
	if ttl >= 1 {
		hs.IP.SetTTL(ttl - 1)
	}
	hs.IP.UpdateChecksum()
}

// makeReplyPacket turns a received segment into its answer in place: swap
// MACs, IPs and ports, set ACK and acknowledge the peer's sequence number.
func makeReplyPacket(hs header.Headers) {
	smac := append([]byte(nil), hs.Mac.SrcMAC()...)
	dmac := append([]byte(nil), hs.Mac.DstMAC()...)
	hs.Mac.SetSrcMAC(dmac)
	hs.Mac.SetDstMAC(smac)

	sip, dip := hs.IP.SrcIP(), hs.IP.DstIP()
	hs.IP.SetSrcIP(dip)
	hs.IP.SetDstIP(sip)

	sport, dport := hs.Tcp.SrcPort(), hs.Tcp.DstPort()
	hs.Tcp.SetSrcPort(dport)
	hs.Tcp.SetDstPort(sport)

	hs.Tcp.SetFlag(header.TCPFlagAck)
	hs.Tcp.SetAckNum(hs.Tcp.SeqNum() + 1)
}

// setServerHeader points the frame at the connection's selected server,
// sourced from the engine endpoint.
func (p *Pipeline) setServerHeader(c *cmanager.Connection, hs header.Headers) {
	server := c.Server
	assert(server != nil, "no server set: %v", c)
	hs.Mac.SetDstMAC(server.MAC)
	hs.Mac.SetSrcMAC(p.me.MAC)
	hs.IP.SetDstIP(server.IP)
	hs.IP.SetSrcIP(p.me.IP)
	hs.Tcp.SetDstPort(server.Port)
	hs.Tcp.SetSrcPort(c.ProxyPort)
	hs.IP.UpdateChecksum()
}

// updateTCPChecksum recomputes the TCP checksum from scratch over the whole
// segment; used on generated and handshake packets. Translated packets use
// incremental updates instead.
func updateTCPChecksum(hs header.Headers) {
	segment := hs.Tcp[:hs.IP.PayloadLen()]
	hs.Tcp.SetChecksum(checksum.TCP(hs.IP.SrcIP(), hs.IP.DstIP(), segment))
}

// tscBase anchors the GenTimeStamp tick; time.Since reads the monotonic clock.
var tscBase = time.Now()

// generateSyn rewrites an injector frame into the opening SYN of a new
// connection.
func (p *Pipeline) generateSyn(c *cmanager.Connection, hs header.Headers) {
	// overwrite the private ethertype tag
	hs.Mac.SetEtherType(header.EtherTypeIPv4)

	// the injector plays the client: learn its endpoint before rewriting
	c.ClientMAC = append([]byte(nil), hs.Mac.SrcMAC()...)
	c.ClientSock = cmanager.SocketV4{IP: hs.IP.SrcIP(), Port: hs.Tcp.SrcPort()}
	c.ConRec.ClientSock = c.ClientSock

	p.fSelectServer(c)
	if c.Server != nil {
		c.ConRec.ServerID = c.Server.ServerID
	} else {
		c.ConRec.ServerID = "<unselected>"
	}

	p.setServerHeader(c, hs)

	c.CSeqn = rand.Uint32()
	hs.Tcp.SetSeqNum(c.CSeqn)
	hs.Tcp.SetFlag(header.TCPFlagSyn)
	hs.Tcp.SetWindow(5840) // 4 * MSS(1460)
	hs.Tcp.SetAckNum(0)
	hs.Tcp.ClearFlag(header.TCPFlagAck | header.TCPFlagPsh)
	updateTCPChecksum(hs)

	p.synCounter++
	p.metrics.synsGenerated.Inc()
	if p.synCounter&1023 == 0 {
		p.send(GenTimeStampMsg{Pipeline: p.id, Counter: p.synCounter, Tsc: uint64(time.Since(tscBase).Nanoseconds())})
	}
	if p.synCounter&8191 == 0 {
		p.send(PrintPerformanceMsg{Cores: []int{int(p.id.Core)}})
	}

	verbosef("%v SYN packet to server: %v", p.id, summarizeTCP(hs))
}

// serverSynAckReceived answers a SYN-ACK from the server with the final ACK
// of the handshake, on behalf of the client. seqnInc is 1 for the first
// SYN-ACK and 0 for a duplicate.
func serverSynAckReceived(c *cmanager.Connection, hs header.Headers, seqnInc uint32) {
	makeReplyPacket(hs)
	hs.Tcp.ClearFlag(header.TCPFlagSyn)
	c.CSeqn += seqnInc
	hs.Tcp.SetSeqNum(c.CSeqn)
	updateTCPChecksum(hs)
}

// serverToClient translates a server packet onto the client leg of the
// stable two-way connection. All checksum edits are incremental; the result
// must equal a from-scratch recomputation.
func (p *Pipeline) serverToClient(c *cmanager.Connection, hs header.Headers) {
	hs.Mac.SetDstMAC(c.ClientMAC)
	hs.Mac.SetSrcMAC(p.me.MAC)

	ipServer := hs.IP.SrcIP()
	hs.IP.SetDstIP(c.ClientSock.IP)
	hs.IP.SetSrcIP(p.me.IP)

	serverSrcPort := hs.Tcp.SrcPort()
	hs.Tcp.SetSrcPort(p.me.Port)
	hs.Tcp.SetDstPort(c.ClientSock.Port)

	csum := hs.Tcp.Checksum()
	csum = checksum.Update16(csum, serverSrcPort, p.me.Port)
	csum = checksum.Update16(csum, c.ProxyPort, c.ClientSock.Port)
	// the engine IP is in both the old and new pseudo-header, so the only
	// 32-bit address delta is server -> client
	csum = checksum.Update32(csum, ipServer, c.ClientSock.IP)

	// adapt seqn and ackn from the server packet
	oldseqn := hs.Tcp.SeqNum()
	newseqn := oldseqn + c.CSeqn
	if c.C2SInsertedBytes != 0 {
		oldackn := hs.Tcp.AckNum()
		newackn := oldackn - uint32(c.C2SInsertedBytes)
		hs.Tcp.SetAckNum(newackn)
		csum = checksum.Update32(csum, oldackn, newackn)
	}
	hs.Tcp.SetSeqNum(newseqn)
	csum = checksum.Update32(csum, oldseqn, newseqn)
	hs.Tcp.SetChecksum(csum)
}

// processTCP classifies one frame on the TCP path and rewrites it in place.
// The returned group routes the frame: 0 dump, 1 NIC, 2 KNI.
func (p *Pipeline) processTCP(frame []byte) int {
	hs, err := header.Split(frame)
	assert(err == nil, "%v headers not parsed on the TCP path: %v", p.id, err)

	group := 0
	var releasePort uint16
	releaseConnection := false

	if hs.Mac.EtherType() == privateEtherType {
		// a frame from the generator: turn it into an outbound SYN
		c := p.sm.Create(p.wheel, p.ticks)
		if c == nil {
			p.metrics.poolExhausted.Inc()
			p.warnf("%v no free proxy port, dropping injector frame", p.id)
			doTTL(hs)
			return 0
		}
		p.generateSyn(c, hs)
		c.ConRec.SetCState(cmanager.StateSynSent)
		c.ConRec.SetSState(cmanager.StateSynReceived)
		group = 1
	} else {
		// check that flow steering worked
		assert(p.sm.OwnsTCPPort(hs.Tcp.DstPort()),
			"%v received server-side frame for port %d outside our range [%d, %d): flow steering is misconfigured",
			p.id, hs.Tcp.DstPort(), p.sm.TCPPortBase(), int(p.sm.TCPPortBase())+p.sm.PoolSize())

		c := p.sm.Get(hs.Tcp.DstPort())
		if c == nil {
			// KNI handles out-of-state TCP, e.g. by sending RST
			p.warnf("%v no state on port %d, sending to KNI i/f", p.id, hs.Tcp.DstPort())
			group = 2
		} else {
			unexpected := false
			oldSState := c.ConRec.SState
			oldCState := c.ConRec.CState

			switch {
			case hs.Tcp.HasFlag(header.TCPFlagSyn) && hs.Tcp.HasFlag(header.TCPFlagAck):
				group = 1
				switch c.ConRec.SState {
				case cmanager.StateSynReceived:
					c.ConRec.SetSState(cmanager.StateEstablished)
					c.ConRec.SetCState(cmanager.StateEstablished)
					p.send(EstablishedMsg{Record: c.ConRec})
					verbosef("%v established two-way client server connection, SYN-ACK received: %v", p.id, summarizeTCP(hs))
					serverSynAckReceived(c, hs, 1)
				case cmanager.StateEstablished:
					serverSynAckReceived(c, hs, 0) // duplicate SYN-ACK
				default:
					group = 0 // ignore the SYN-ACK
				}
			case hs.Tcp.HasFlag(header.TCPFlagFin):
				if c.ConRec.CState >= cmanager.StateFinWait {
					// FIN receipt for a client initiated FIN
					verbosef("%v received FIN-reply from server on port %d", p.id, hs.Tcp.DstPort())
					c.ConRec.SetSState(cmanager.StateLastAck)
					c.ConRec.SetCState(cmanager.StateClosed)
				} else {
					// server initiated close
					verbosef("%v server closes connection on port %d/%d in state %v",
						p.id, hs.Tcp.DstPort(), c.ClientSock.Port, c.ConRec.SState)
					c.ConRec.SetSState(cmanager.StateFinWait)
				}
			case hs.Tcp.HasFlag(header.TCPFlagRst):
				c.ConRec.SetSState(cmanager.StateClosed)
				c.ConRec.SetCState(cmanager.StateListen)
				c.ConRec.Released(cmanager.CauseRstServer)
				releasePort, releaseConnection = c.ProxyPort, true
			case c.ConRec.CState == cmanager.StateLastAck && hs.Tcp.HasFlag(header.TCPFlagAck):
				// final ack from the server for a server initiated close
				verbosef("%v received final ACK for server initiated close on port %d", p.id, hs.Tcp.DstPort())
				c.ConRec.SetSState(cmanager.StateClosed)
				c.ConRec.SetCState(cmanager.StateListen)
				c.ConRec.Released(cmanager.CauseFinServer)
				releasePort, releaseConnection = c.ProxyPort, true
			default:
				unexpected = true // unless the translation below claims it
			}

			// once a two-way end-to-end connection exists, server side
			// packets are always translated and forwarded
			if oldSState >= cmanager.StateEstablished && oldCState >= cmanager.StateEstablished {
				p.serverToClient(c, hs)
				group = 1
				unexpected = false
			}

			if unexpected {
				p.warnf("%v unexpected server side TCP packet on port %d/%d in client/server state %v/%v, sending to KNI i/f",
					p.id, hs.Tcp.DstPort(), c.ClientSock.Port, c.ConRec.CState, c.ConRec.SState)
				group = 2
			}
		}
	}

	doTTL(hs)

	if releaseConnection {
		verbosef("%v releasing port %d", p.id, releasePort)
		if rec, ok := p.sm.ReleasePort(releasePort); ok {
			p.send(CRecordMsg{Record: rec})
		}
	}
	return group
}

// summarizeTCP renders one line about a TCP frame for logging.
func summarizeTCP(hs header.Headers) string {
	var flags []string
	if hs.Tcp.HasFlag(header.TCPFlagFin) {
		flags = append(flags, "FIN")
	}
	if hs.Tcp.HasFlag(header.TCPFlagSyn) {
		flags = append(flags, "SYN")
	}
	if hs.Tcp.HasFlag(header.TCPFlagRst) {
		flags = append(flags, "RST")
	}
	if hs.Tcp.HasFlag(header.TCPFlagAck) {
		flags = append(flags, "ACK")
	}
	if hs.Tcp.HasFlag(header.TCPFlagUrg) {
		flags = append(flags, "URG")
	}
	src := cmanager.SocketV4{IP: hs.IP.SrcIP(), Port: hs.Tcp.SrcPort()}
	dst := cmanager.SocketV4{IP: hs.IP.DstIP(), Port: hs.Tcp.DstPort()}
	return fmt.Sprintf("TCP %v => %v %s - Seq %d - Ack %d",
		src, dst, strings.Join(flags, "+"), hs.Tcp.SeqNum(), hs.Tcp.AckNum())
}
