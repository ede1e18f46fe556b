package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/monasticacademy/flowgen/pkg/cmanager"
)

var isVerbose bool

func verbose(msg string) {
	if isVerbose {
		log.Print(msg)
	}
}

func verbosef(fmt string, parts ...interface{}) {
	if isVerbose {
		log.Printf(fmt, parts...)
	}
}

var errorColor = color.New(color.FgRed, color.Bold)

func errorf(fmt string, parts ...interface{}) {
	if !strings.HasSuffix(fmt, "\n") {
		fmt += "\n"
	}
	errorColor.Printf(fmt, parts...)
}

// discardQueue stands in for the KNI when the device could not be created:
// kernel-bound traffic is silently dropped and the engine keeps running.
type discardQueue struct{}

func (discardQueue) Recv(bufs [][]byte) int { return 0 }
func (discardQueue) Send(frame []byte) bool { return false }

// newRoundRobinSelector builds the server-selector callback handed to every
// pipeline: each new connection is pointed at the next backend in turn.
func newRoundRobinSelector(servers []cmanager.L234Data) func(*cmanager.Connection) {
	var next int
	return func(c *cmanager.Connection) {
		if len(servers) == 0 {
			return
		}
		c.Server = &servers[next%len(servers)]
		next++
	}
}

func Main() error {
	var args struct {
		Config    string  `arg:"-c,--config,env:FLOWGEN_CONFIG" default:"flowgen.yaml" help:"path to the YAML configuration file"`
		Verbose   bool    `arg:"-v,--verbose,env:FLOWGEN_VERBOSE"`
		Stderr    bool    `arg:"env:FLOWGEN_LOG_TO_STDERR" help:"log to standard error (default is standard out)"`
		Metrics   string  `arg:"env:FLOWGEN_METRICS" help:"address and port to serve Prometheus metrics on"`
		Records   string  `help:"path to write sealed connection records to, as JSON lines"`
		NoBatches *uint32 `arg:"--no-batches" help:"override the injector batch count (0 = unbounded)"`
	}
	arg.MustParse(&args)

	if args.Stderr {
		log.SetOutput(os.Stderr)
	}
	isVerbose = args.Verbose

	conf, err := loadConfiguration(args.Config)
	if err != nil {
		return err
	}
	if args.NoBatches != nil {
		conf.Injector.NoBatches = args.NoBatches
	}

	me, err := conf.EngineL234()
	if err != nil {
		return err
	}
	servers, err := conf.ServerL234()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return fmt.Errorf("no backend servers configured")
	}

	registry := prometheus.NewRegistry()
	if args.Metrics != "" {
		serveMetrics(args.Metrics, registry)
	}

	// create the virtual interface for the host stack, then hand it to the
	// kernel: MAC, namespace, address, link up -- all best-effort
	var kniPair QueuePair
	kniDev, err := newKniDevice(conf.Kni.Name)
	if err != nil {
		errorf("error creating kni device: %v, kernel-bound traffic will be dropped", err)
		kniPair = QueuePair{Rx: discardQueue{}, Tx: discardQueue{}}
	} else {
		defer kniDev.Close()
		setupKni(conf.Kni)
		kniPair = QueuePair{Rx: kniDev, Tx: kniDev}
	}

	fromPipelines := make(chan MessageFrom, 1024)
	fSelectServer := newRoundRobinSelector(servers)
	// the client->server payload rewriter hook; nothing feeds it while only
	// the SYN leg is synthesized
	fProcessPayload := func(c *cmanager.Connection, payload []byte, n int) {}

	var wg sync.WaitGroup
	for i, qconf := range conf.Queues {
		rxq := uint16(i)
		queue, err := openPortQueue(conf.Nic.Name, conf.Nic.PortID, rxq)
		if err != nil {
			return fmt.Errorf("error opening queue %d on %q: %w", rxq, conf.Nic.Name, err)
		}
		defer queue.Close()

		pci := QueuePair{Rx: queue, Tx: queue, PortID: conf.Nic.PortID, RxQ: rxq}
		sched := new(StandaloneScheduler)
		_, err = setupGenerator(qconf.Core, pci, kniPair, sched, conf, qconf, me,
			fSelectServer, fProcessPayload, fromPipelines, registry)
		if err != nil {
			return err
		}
		sched.SetReady()

		wg.Add(1)
		go func(s *StandaloneScheduler) {
			defer wg.Done()
			// one pipeline per OS thread, pinned for the whole run
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			s.Run()
		}(sched)
	}

	return runController(fromPipelines, &wg, args.Records)
}

// runController owns statistics aggregation and user-facing reporting. It
// drains the pipelines' message channel until an interrupt arrives, then
// broadcasts Exit, keeps draining while the pipelines flush their records,
// and prints a summary.
func runController(fromPipelines chan MessageFrom, wg *sync.WaitGroup, recordsPath string) error {
	var records *json.Encoder
	if recordsPath != "" {
		f, err := os.Create(recordsPath)
		if err != nil {
			return fmt.Errorf("error opening records file: %w", err)
		}
		defer f.Close()
		records = json.NewEncoder(f)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	establishedColor := color.New(color.FgGreen)
	releasedColor := color.New(color.FgYellow)
	perfColor := color.New(color.FgBlue, color.Bold)

	backs := make(map[PipelineId]chan<- MessageTo)
	established := 0
	releasedBy := make(map[cmanager.ReleaseCause]int)
	type stamp struct {
		counter uint64
		tsc     uint64
	}
	lastStamp := make(map[PipelineId]stamp)

	done := make(chan struct{})
	draining := false

	handle := func(msg MessageFrom) {
		switch m := msg.(type) {
		case ChannelMsg:
			verbosef("%v registered with controller", m.Pipeline)
			backs[m.Pipeline] = m.Back
		case TaskMsg:
			verbosef("%v announced task %v (%v)", m.Pipeline, m.Task, m.UUID)
		case EstablishedMsg:
			established++
			if isVerbose {
				establishedColor.Printf("established: %v\n", m.Record.String())
			}
		case CRecordMsg:
			releasedBy[m.Record.Release]++
			if records != nil {
				if err := records.Encode(m.Record); err != nil {
					errorf("error writing connection record: %v", err)
					records = nil
				}
			}
		case GenTimeStampMsg:
			prev, ok := lastStamp[m.Pipeline]
			lastStamp[m.Pipeline] = stamp{m.Counter, m.Tsc}
			if ok && m.Tsc > prev.tsc {
				elapsed := time.Duration(m.Tsc - prev.tsc)
				rate := float64(m.Counter-prev.counter) / elapsed.Seconds()
				perfColor.Printf("%v %d SYNs total, %.0f SYN/s\n", m.Pipeline, m.Counter, rate)
			}
		case PrintPerformanceMsg:
			perfColor.Printf("performance for cores %v: %d established, %d released\n",
				m.Cores, established, totalReleased(releasedBy))
		}
	}

	for {
		select {
		case msg := <-fromPipelines:
			handle(msg)

		case <-sigs:
			if draining {
				break
			}
			draining = true
			verbose("interrupt: asking pipelines to flush and exit")
			for pid, back := range backs {
				select {
				case back <- ExitMsg{}:
				default:
					errorf("%v reverse channel full, pipeline may not flush", pid)
				}
			}
			go func() {
				wg.Wait()
				close(done)
			}()

		case <-done:
			// pick up anything still buffered
			for {
				select {
				case msg := <-fromPipelines:
					handle(msg)
				default:
					log.Printf("connections established: %d", established)
					for cause, n := range releasedBy {
						releasedColor.Printf("released (%v): %d\n", cause, n)
					}
					return nil
				}
			}
		}
	}
}

func totalReleased(m map[cmanager.ReleaseCause]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	err := Main()
	if err != nil {
		log.Fatal(err)
	}
}
