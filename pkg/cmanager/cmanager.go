// Package cmanager tracks proxied TCP connections. Each pipeline owns one
// ConnectionManager, which allocates proxy ports from a contiguous range,
// keeps one Connection per live port, and seals a ConnectionRecord when the
// port is released.
package cmanager

import (
	"fmt"
	"net"
	"time"

	"github.com/monasticacademy/flowgen/pkg/timerwheel"
)

// TCPState is one half-connection state. The numeric order is significant:
// the state machine compares states with >= Established to decide whether a
// two-way connection exists.
type TCPState int

const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateLastAck
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateFinWait:
		return "FinWait"
	case StateLastAck:
		return "LastAck"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ReleaseCause records why a connection was torn down.
type ReleaseCause int

const (
	CauseNone ReleaseCause = iota
	CauseRstServer
	CauseFinServer
	CauseTimeout
	CauseActiveClose
)

func (c ReleaseCause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseRstServer:
		return "RstServer"
	case CauseFinServer:
		return "FinServer"
	case CauseTimeout:
		return "Timeout"
	case CauseActiveClose:
		return "ActiveClose"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// L234Data is an L2+L3+L4 address: either our own engine endpoint or a
// selected backend server. Immutable after construction.
type L234Data struct {
	MAC      net.HardwareAddr
	IP       uint32 // IPv4, host byte order
	Port     uint16
	ServerID string
}

// SocketV4 is an IPv4 socket address.
type SocketV4 struct {
	IP   uint32
	Port uint16
}

func (s SocketV4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", byte(s.IP>>24), byte(s.IP>>16), byte(s.IP>>8), byte(s.IP), s.Port)
}

// ConnectionRecord is the serializable event log of one connection. It is
// created when the proxy port is allocated, sealed when the port is
// released, and then shipped to the controller.
type ConnectionRecord struct {
	ClientSock SocketV4     `json:"client_sock"`
	ProxyPort  uint16       `json:"proxy_port"`
	ServerID   string       `json:"server_id"`
	CState     TCPState     `json:"c_state"`
	SState     TCPState     `json:"s_state"`
	Release    ReleaseCause `json:"release_cause"`

	// state transition timestamps, indexed by TCPState
	CTimes [StateLastAck + 1]time.Time `json:"c_times"`
	STimes [StateLastAck + 1]time.Time `json:"s_times"`
}

// SetCState advances the client half-state and stamps the transition time.
func (r *ConnectionRecord) SetCState(s TCPState) {
	r.CState = s
	r.CTimes[s] = time.Now()
}

// SetSState advances the server half-state and stamps the transition time.
func (r *ConnectionRecord) SetSState(s TCPState) {
	r.SState = s
	r.STimes[s] = time.Now()
}

// Released marks the record with its release cause.
func (r *ConnectionRecord) Released(cause ReleaseCause) {
	r.Release = cause
}

func (r *ConnectionRecord) String() string {
	return fmt.Sprintf("port %d client %v server %q c/s %v/%v released %v",
		r.ProxyPort, r.ClientSock, r.ServerID, r.CState, r.SState, r.Release)
}

// Connection is the mutable runtime state of one proxied connection.
type Connection struct {
	// ProxyPort is the locally allocated source port used toward the
	// server; it is unique within the owning pipeline.
	ProxyPort uint16

	// ClientMAC is the MAC learned from the incoming client SYN. With the
	// injector as the client it is the engine's own MAC.
	ClientMAC net.HardwareAddr

	// ClientSock is the client socket as seen by the pipeline.
	ClientSock SocketV4

	// Server is filled in by the server-selector callback.
	Server *L234Data

	// CSeqn is the offset added to sequence numbers we send on behalf of
	// the client, seeded randomly when the SYN is generated.
	CSeqn uint32

	// C2SInsertedBytes counts payload bytes we inserted into the
	// client->server stream; the reverse path subtracts it from the
	// server's ack numbers. The client-side payload rewriter that would
	// increment it is not wired up yet.
	C2SInsertedBytes int64

	ConRec ConnectionRecord

	gen uint32 // timer wheel generation, bumped on each allocation
}

func (c *Connection) String() string {
	server := "<unselected>"
	if c.Server != nil {
		server = c.Server.ServerID
	}
	return fmt.Sprintf("Connection(port %d, client %v, server %s)", c.ProxyPort, c.ClientSock, server)
}

// Gen is the wheel generation of the current allocation of this port.
func (c *Connection) Gen() uint32 { return c.gen }

// ConnectionManager owns the proxy port pool of one pipeline.
type ConnectionManager struct {
	base        uint16
	size        int
	conns       []Connection // indexed by port-base
	inUse       []bool
	freeList    []uint16 // ring of free port offsets
	freeHead    int
	freeTail    int
	freeCount   int
	timeoutTicks uint64
}

// New creates a manager for poolSize ports starting at base. The range must
// fit below 65536. timeoutTicks is the idle lifetime registered with the
// timer wheel on each allocation.
func New(base uint16, poolSize int, timeoutTicks uint64) (*ConnectionManager, error) {
	if poolSize <= 0 || int(base)+poolSize > 1<<16 {
		return nil, fmt.Errorf("invalid proxy port range [%d, %d)", base, int(base)+poolSize)
	}
	m := &ConnectionManager{
		base:         base,
		size:         poolSize,
		conns:        make([]Connection, poolSize),
		inUse:        make([]bool, poolSize),
		freeList:     make([]uint16, poolSize),
		timeoutTicks: timeoutTicks,
	}
	for i := 0; i < poolSize; i++ {
		m.freeList[i] = uint16(i)
	}
	m.freeCount = poolSize
	return m, nil
}

// TCPPortBase is the lower bound of this pipeline's proxy port range.
func (m *ConnectionManager) TCPPortBase() uint16 { return m.base }

// PoolSize is the number of ports in the range.
func (m *ConnectionManager) PoolSize() int { return m.size }

// OwnsTCPPort reports whether port is at or above this pipeline's port
// base. Flow steering must never deliver a server-side frame below the
// base; ports above the allocation pool simply have no state and are routed
// to the kernel.
func (m *ConnectionManager) OwnsTCPPort(port uint16) bool {
	return port >= m.base
}

func (m *ConnectionManager) inPool(port uint16) bool {
	return port >= m.base && int(port-m.base) < m.size
}

// Live is the number of currently allocated ports.
func (m *ConnectionManager) Live() int { return m.size - m.freeCount }

// Create allocates a free proxy port, registers its timeout with the wheel
// and returns the fresh Connection. It returns nil when the pool is
// exhausted.
func (m *ConnectionManager) Create(wheel *timerwheel.Wheel, now uint64) *Connection {
	if m.freeCount == 0 {
		return nil
	}
	off := m.freeList[m.freeHead]
	m.freeHead = (m.freeHead + 1) % m.size
	m.freeCount--

	c := &m.conns[off]
	gen := c.gen + 1
	*c = Connection{ProxyPort: m.base + off, gen: gen}
	c.ConRec.ProxyPort = c.ProxyPort
	c.ConRec.SetCState(StateClosed)
	c.ConRec.SetSState(StateListen)
	m.inUse[off] = true

	wheel.Schedule(timerwheel.Entry{Port: c.ProxyPort, Gen: gen}, now, m.timeoutTicks)
	return c
}

// Get returns the live connection on port, or nil.
func (m *ConnectionManager) Get(port uint16) *Connection {
	if !m.inPool(port) {
		return nil
	}
	off := port - m.base
	if !m.inUse[off] {
		return nil
	}
	return &m.conns[off]
}

// Expired reports whether a timer wheel entry still refers to the live
// allocation of its port. Stale entries from released generations are
// ignored by the caller.
func (m *ConnectionManager) Expired(e timerwheel.Entry) bool {
	c := m.Get(e.Port)
	return c != nil && c.gen == e.Gen
}

// ReleasePort removes the connection on port and returns the sealed record.
// The caller sets the release cause on the record before calling. The port
// is immediately reusable; there is no TIME_WAIT because we are a generator,
// not an endpoint.
func (m *ConnectionManager) ReleasePort(port uint16) (ConnectionRecord, bool) {
	c := m.Get(port)
	if c == nil {
		return ConnectionRecord{}, false
	}
	off := port - m.base
	m.inUse[off] = false
	m.freeList[m.freeTail] = off
	m.freeTail = (m.freeTail + 1) % m.size
	m.freeCount++
	return c.ConRec, true
}

// DrainRecords releases every live connection with the given cause and
// passes each sealed record to emit. Used when the pipeline shuts down.
func (m *ConnectionManager) DrainRecords(cause ReleaseCause, emit func(ConnectionRecord)) {
	for off := 0; off < m.size; off++ {
		if !m.inUse[off] {
			continue
		}
		c := &m.conns[off]
		c.ConRec.Released(cause)
		if rec, ok := m.ReleasePort(c.ProxyPort); ok {
			emit(rec)
		}
	}
}
