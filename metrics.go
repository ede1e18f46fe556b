package main

import (
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pipelineMetrics are the per-pipeline data-plane counters.
type pipelineMetrics struct {
	framesRx      prometheus.Counter
	framesTxNic   prometheus.Counter
	framesTxKni   prometheus.Counter
	synsGenerated prometheus.Counter
	poolExhausted prometheus.Counter
	drops         *prometheus.CounterVec
}

func newPipelineMetrics(reg prometheus.Registerer, pid PipelineId) *pipelineMetrics {
	labels := prometheus.Labels{
		"core": strconv.Itoa(int(pid.Core)),
		"rxq":  strconv.Itoa(int(pid.RxQ)),
	}
	m := &pipelineMetrics{
		framesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgen_frames_rx_total", Help: "Frames received from the NIC queue.", ConstLabels: labels,
		}),
		framesTxNic: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgen_frames_tx_nic_total", Help: "Frames transmitted to the NIC queue.", ConstLabels: labels,
		}),
		framesTxKni: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgen_frames_tx_kni_total", Help: "Frames handed to the kernel interface.", ConstLabels: labels,
		}),
		synsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgen_syns_generated_total", Help: "SYN packets synthesized for backend servers.", ConstLabels: labels,
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgen_pool_exhausted_total", Help: "Injector frames dropped because no proxy port was free.", ConstLabels: labels,
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgen_drops_total", Help: "Frames dropped, by reason.", ConstLabels: labels,
		}, []string{"reason"}),
	}
	reg.MustRegister(m.framesRx, m.framesTxNic, m.framesTxKni, m.synsGenerated, m.poolExhausted, m.drops)
	return m
}

// serveMetrics exposes the registry over HTTP.
func serveMetrics(addr string, reg *prometheus.Registry) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Printf("serving metrics on %v ...", addr)
		err := http.ListenAndServe(addr, mux)
		if err != nil {
			errorf("metrics listener failed: %v", err)
		}
	}()
}
