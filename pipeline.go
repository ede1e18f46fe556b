package main

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/monasticacademy/flowgen/pkg/cmanager"
	"github.com/monasticacademy/flowgen/pkg/header"
	"github.com/monasticacademy/flowgen/pkg/spsc"
	"github.com/monasticacademy/flowgen/pkg/timerwheel"
)

const (
	// rxBurst frames are pulled from a queue per stage execution.
	rxBurst = 32

	// outQueueCap bounds the staged frames between the processing stage and
	// the send stages; overflow is dropped like any other TX congestion.
	outQueueCap = 512

	// frameBufSize fits any frame we handle (no jumbo frames).
	frameBufSize = 2048
)

// QueuePair bundles the two directions of one queue together with its
// identity on the NIC.
type QueuePair struct {
	Rx     FrameRx
	Tx     FrameTx
	PortID uint16
	RxQ    uint16
}

// isKniCore reports whether this queue's pipeline carries the KNI bridging
// duty. Exactly one pipeline per NIC does: the one on receive queue 0.
func isKniCore(pci QueuePair) bool {
	return pci.RxQ == 0
}

// Pipeline is the per-(core, rxq) packet processing unit. It exclusively
// owns its connection manager, timer wheel and injector; pipelines share
// nothing mutable and talk to the controller only through their message
// channel.
type Pipeline struct {
	id PipelineId
	me cmanager.L234Data

	pci QueuePair
	kni QueuePair

	sm       *cmanager.ConnectionManager
	wheel    *timerwheel.Wheel
	consumer *spsc.Ring[[]byte]

	fSelectServer   func(*cmanager.Connection)
	fProcessPayload func(*cmanager.Connection, []byte, int)

	tx       chan<- MessageFrom
	back     chan MessageTo
	txWarned bool

	sched   *StandaloneScheduler
	metrics *pipelineMetrics

	outNic [][]byte
	outKni [][]byte

	rxBufs [][]byte

	ticks      uint64
	synCounter uint64
	warnLimit  *rate.Limiter
}

// setupGenerator assembles one pipeline on the given scheduler: the KNI
// bridge (on the KNI core), the SYN injector, the classifier/processing
// stage and the two send stages, wired the same way the receive path splits:
//
//	NIC RX -> L2 filter -> L2 group-by -+- group 0 ------------> KNI TX
//	                                    `- group 1 -+
//	                         injector --------------+-> TCP state machine
//	                                                      +- 0 dump
//	                                                      +- 1 -> NIC TX
//	                                                      `- 2 -> KNI TX
func setupGenerator(
	core uint16,
	pci QueuePair,
	kni QueuePair,
	sched *StandaloneScheduler,
	conf *Configuration,
	qconf QueueConfig,
	me cmanager.L234Data,
	fSelectServer func(*cmanager.Connection),
	fProcessPayload func(*cmanager.Connection, []byte, int),
	tx chan<- MessageFrom,
	reg prometheus.Registerer,
) (*Pipeline, error) {
	pid := PipelineId{Core: core, PortID: pci.PortID, RxQ: pci.RxQ}
	verbosef("enter setup_generator %v", pid)

	sm, err := cmanager.New(qconf.TCPPortBase, qconf.PoolSize, conf.Wheel.TimeoutTicks)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		id:              pid,
		me:              me,
		pci:             pci,
		kni:             kni,
		sm:              sm,
		wheel:           timerwheel.New(conf.Wheel.Slots, conf.Wheel.Granularity, conf.Wheel.Levels),
		consumer:        spsc.New[[]byte](outQueueCap),
		fSelectServer:   fSelectServer,
		fProcessPayload: fProcessPayload,
		tx:              tx,
		back:            make(chan MessageTo, 16),
		sched:           sched,
		metrics:         newPipelineMetrics(reg, pid),
		outNic:          make([][]byte, 0, outQueueCap),
		outKni:          make([][]byte, 0, outQueueCap),
		rxBufs:          make([][]byte, rxBurst),
		warnLimit:       rate.NewLimiter(rate.Limit(10), 10),
	}
	for i := range p.rxBufs {
		p.rxBufs[i] = make([]byte, frameBufSize)
	}

	// register the reverse channel with the controller
	p.send(ChannelMsg{Pipeline: pid, Back: p.back})

	// forward frames coming from KNI to the NIC, if we are the kni core
	if isKniCore(pci) {
		bridgeUUID := uuid.New()
		sched.AddRunnable(Runnable{UUID: bridgeUUID, Name: "Kni2Pci", Task: &kniBridgeStage{p: p}}.Ready())
		p.send(TaskMsg{Pipeline: pid, UUID: bridgeUUID, Task: TaskKniBridge})
	}

	injector := NewPacketInjector(p.consumer, me, conf.noBatches())
	injUUID := uuid.New()
	sched.AddRunnable(Runnable{UUID: injUUID, Name: "PacketInjector", Task: injector})
	p.send(TaskMsg{Pipeline: pid, UUID: injUUID, Task: TaskTCPGenerator})

	procUUID := uuid.New()
	sched.AddRunnable(Runnable{UUID: procUUID, Name: "ProcessL234", Task: &processStage{p: p}})

	pci2 := uuid.New()
	sched.AddRunnable(Runnable{UUID: pci2, Name: "Pipe2Pci", Task: &sendStage{p: p, out: &p.outNic, tx: pci.Tx, counter: p.metrics.framesTxNic}})
	p.send(TaskMsg{Pipeline: pid, UUID: pci2, Task: TaskPipe2Pci})

	kni2 := uuid.New()
	sched.AddRunnable(Runnable{UUID: kni2, Name: "Pipe2Kni", Task: &sendStage{p: p, out: &p.outKni, tx: kni.Tx, counter: p.metrics.framesTxKni}})
	p.send(TaskMsg{Pipeline: pid, UUID: kni2, Task: TaskPipe2Kni})

	sched.AddRunnable(Runnable{UUID: uuid.New(), Name: "Tick", Task: &tickStage{p: p}}.Ready())

	return p, nil
}

// send delivers a message to the controller. A congested or abandoned
// controller never blocks the data plane: the message is dropped and the
// condition logged once.
func (p *Pipeline) send(m MessageFrom) {
	select {
	case p.tx <- m:
	default:
		if !p.txWarned {
			errorf("%v controller is not draining its channel, dropping messages while it is full", p.id)
			p.txWarned = true
		}
	}
}

func (p *Pipeline) warnf(format string, args ...interface{}) {
	if p.warnLimit.Allow() {
		errorf(format, args...)
	}
}

// toNic stages a frame for the NIC send stage.
func (p *Pipeline) toNic(frame []byte) {
	if len(p.outNic) == cap(p.outNic) {
		p.metrics.drops.WithLabelValues("tx_congestion").Inc()
		return
	}
	p.outNic = append(p.outNic, frame)
}

// toKni stages a frame for the KNI send stage.
func (p *Pipeline) toKni(frame []byte) {
	if len(p.outKni) == cap(p.outKni) {
		p.metrics.drops.WithLabelValues("tx_congestion").Inc()
		return
	}
	p.outKni = append(p.outKni, frame)
}

// dispatch routes a processed frame by its group: 0 dump, 1 NIC, 2 KNI.
func (p *Pipeline) dispatch(frame []byte, group int) {
	switch group {
	case 0:
		p.metrics.drops.WithLabelValues("dump").Inc()
	case 1:
		p.toNic(frame)
	case 2:
		p.toKni(frame)
	}
}

// l2Filter accepts frames addressed to the engine MAC plus multicast and
// broadcast; everything else is dropped.
func (p *Pipeline) l2Filter(mac header.Ethernet) bool {
	if mac.IsUnicastTo(p.me.MAC) {
		return true
	}
	if mac.IsMulticast() {
		return true
	}
	verbosef("%v from pci: discarding because mac unknown: %v", p.id, mac.DstMAC())
	return false
}

// l2GroupBy partitions accepted frames: group 1 is TCP addressed to the
// engine IP on the engine port or any port at or above the proxy port base;
// group 0 is everything else, which goes to the kernel verbatim.
func (p *Pipeline) l2GroupBy(frame []byte) int {
	mac, err := header.SplitEthernet(frame)
	if err != nil || mac.EtherType() != header.EtherTypeIPv4 {
		return 0
	}
	rest := frame[header.EthernetMinimumSize:]
	if len(rest) < header.IPv4MinimumSize {
		return 0
	}
	ip := header.IPv4(rest)
	if ip.Version() != 4 {
		return 0
	}
	ihl := ip.HeaderLen()
	// group 1 frames must carry a full TCP header: the state machine
	// asserts that headers parse
	if ihl < header.IPv4MinimumSize || len(rest) < ihl+header.TCPMinimumSize {
		return 0
	}
	if ip.Protocol() != 6 || ip.DstIP() != p.me.IP {
		return 0
	}
	dstPort := binary.BigEndian.Uint16(rest[ihl+2 : ihl+4])
	if dstPort == p.me.Port || dstPort >= p.sm.TCPPortBase() {
		return 1
	}
	return 0
}

// kniBridgeStage pulls kernel-originated frames and forwards them to the
// NIC. Runs only on the KNI core.
type kniBridgeStage struct {
	p    *Pipeline
	bufs [][]byte
}

func (s *kniBridgeStage) Execute() uint32 {
	if s.bufs == nil {
		s.bufs = make([][]byte, rxBurst)
		for i := range s.bufs {
			s.bufs[i] = make([]byte, frameBufSize)
		}
	}
	for i := range s.bufs {
		s.bufs[i] = s.bufs[i][:frameBufSize]
	}
	n := s.p.kni.Rx.Recv(s.bufs)
	for i := 0; i < n; i++ {
		if _, err := header.SplitEthernet(s.bufs[i]); err != nil {
			verbosef("%v dropping malformed frame from kni: %v", s.p.id, err)
			continue
		}
		if s.p.pci.Tx.Send(s.bufs[i]) {
			s.p.metrics.framesTxNic.Inc()
		}
	}
	return uint32(n)
}

// processStage is the heart of the pipeline: it merges injector frames with
// proxy-relevant NIC traffic and runs the TCP state machine over them.
type processStage struct {
	p *Pipeline
}

func (s *processStage) Execute() uint32 {
	p := s.p
	var count uint32

	// injector frames merge in ahead of the NIC stream
	for i := 0; i < rxBurst; i++ {
		frame, ok := p.consumer.Dequeue()
		if !ok {
			break
		}
		p.dispatch(frame, p.processTCP(frame))
		count++
	}

	for i := range p.rxBufs {
		p.rxBufs[i] = p.rxBufs[i][:frameBufSize]
	}
	n := p.pci.Rx.Recv(p.rxBufs)
	for i := 0; i < n; i++ {
		frame := p.rxBufs[i]
		p.metrics.framesRx.Inc()

		mac, err := header.SplitEthernet(frame)
		if err != nil {
			p.metrics.drops.WithLabelValues("runt").Inc()
			continue
		}
		if !p.l2Filter(mac) {
			p.metrics.drops.WithLabelValues("l2_filter").Inc()
			continue
		}

		// frames leave the stage by copy: the rx buffers are reused on the
		// next burst while staged frames wait in the out queues
		switch p.l2GroupBy(frame) {
		case 0:
			p.toKni(cloneFrame(frame))
		case 1:
			cp := cloneFrame(frame)
			p.dispatch(cp, p.processTCP(cp))
		}
		count++
	}
	return count
}

func cloneFrame(frame []byte) []byte {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return cp
}

// sendStage flushes one staged out queue to its transmit side.
type sendStage struct {
	p       *Pipeline
	out     *[][]byte
	tx      FrameTx
	counter prometheus.Counter
}

func (s *sendStage) Execute() uint32 {
	frames := *s.out
	if len(frames) == 0 {
		return 0
	}
	for _, f := range frames {
		if s.tx.Send(f) {
			s.counter.Inc()
		}
	}
	*s.out = frames[:0]
	return uint32(len(frames))
}

// tickStage provides the pipeline's non-event-driven progress: it advances
// the timer wheel and drains the controller's reverse channel between
// bursts.
type tickStage struct {
	p *Pipeline
}

func (s *tickStage) Execute() uint32 {
	p := s.p
	p.ticks++

	var count uint32
	p.wheel.Advance(p.ticks, func(e timerwheel.Entry) {
		if !p.sm.Expired(e) {
			return // stale entry from a released generation
		}
		c := p.sm.Get(e.Port)
		c.ConRec.Released(cmanager.CauseTimeout)
		if rec, ok := p.sm.ReleasePort(e.Port); ok {
			p.send(CRecordMsg{Record: rec})
			count++
		}
	})

	for {
		select {
		case m := <-p.back:
			switch m.(type) {
			case ExitMsg:
				verbosef("%v: flushing %d connection records and exiting", p.id, p.sm.Live())
				p.sm.DrainRecords(cmanager.CauseActiveClose, func(rec cmanager.ConnectionRecord) {
					p.send(CRecordMsg{Record: rec})
				})
				p.sched.Shutdown()
			}
		default:
			return count
		}
	}
}
