package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics. It is
// gathered once at the end of a run and dumped as text (see cmd/gitupd); it
// is never served over HTTP.
type PrometheusRecorder struct {
	once sync.Once

	runDuration    *prom.HistogramVec
	runOutcomes    *prom.CounterVec
	packBytes      prom.Counter
	objectsDecoded prom.Counter
	deltasResolved prom.Counter
	deltaChainLen  prom.Histogram
	filesWritten   prom.Counter
	filesDeleted   prom.Counter
	repairRounds   prom.Counter
	repairWant     prom.Gauge
	dialDuration   *prom.HistogramVec
}

// NewPrometheusRecorder constructs Prometheus metrics and registers them on
// reg (a fresh registry when reg is nil). Each call registers a new set, so
// a second recorder on the same registry panics on duplicate registration.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.runDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "gitup",
			Name:      "run_duration_seconds",
			Help:      "Duration of a sync action (clone, pull, repair)",
			Buckets:   prom.DefBuckets,
		}, []string{"action"})
		pr.runOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by action and success/failure",
		}, []string{"action", "result"})
		pr.packBytes = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "pack_bytes_total",
			Help:      "Total bytes received in pack data",
		})
		pr.objectsDecoded = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "objects_decoded_total",
			Help:      "Total objects decoded from packfiles",
		})
		pr.deltasResolved = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "deltas_resolved_total",
			Help:      "Total delta objects resolved against a base",
		})
		pr.deltaChainLen = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "gitup",
			Name:      "delta_chain_length",
			Help:      "Length of resolved delta chains",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		})
		pr.filesWritten = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "files_written_total",
			Help:      "Total files created or modified on disk",
		})
		pr.filesDeleted = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "files_deleted_total",
			Help:      "Total files removed on disk during reconciliation",
		})
		pr.repairRounds = prom.NewCounter(prom.CounterOpts{
			Namespace: "gitup",
			Name:      "repair_rounds_total",
			Help:      "Total repair fetch rounds performed",
		})
		pr.repairWant = prom.NewGauge(prom.GaugeOpts{
			Namespace: "gitup",
			Name:      "repair_want_count",
			Help:      "Number of objects requested by the most recent repair fetch",
		})
		pr.dialDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "gitup",
			Name:      "transport_dial_duration_seconds",
			Help:      "Duration of transport dial attempts by outcome",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		reg.MustRegister(
			pr.runDuration, pr.runOutcomes, pr.packBytes, pr.objectsDecoded,
			pr.deltasResolved, pr.deltaChainLen, pr.filesWritten, pr.filesDeleted,
			pr.repairRounds, pr.repairWant, pr.dialDuration,
		)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveRunDuration(action string, d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(action string, success bool) {
	if p == nil || p.runOutcomes == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.runOutcomes.WithLabelValues(action, res).Inc()
}

func (p *PrometheusRecorder) AddPackBytes(n int64) {
	if p == nil || p.packBytes == nil {
		return
	}
	p.packBytes.Add(float64(n))
}

func (p *PrometheusRecorder) AddObjectsDecoded(n int) {
	if p == nil || p.objectsDecoded == nil {
		return
	}
	p.objectsDecoded.Add(float64(n))
}

func (p *PrometheusRecorder) AddDeltasResolved(n int) {
	if p == nil || p.deltasResolved == nil {
		return
	}
	p.deltasResolved.Add(float64(n))
}

func (p *PrometheusRecorder) ObserveDeltaChainLength(n int) {
	if p == nil || p.deltaChainLen == nil {
		return
	}
	p.deltaChainLen.Observe(float64(n))
}

func (p *PrometheusRecorder) AddFilesWritten(n int) {
	if p == nil || p.filesWritten == nil {
		return
	}
	p.filesWritten.Add(float64(n))
}

func (p *PrometheusRecorder) AddFilesDeleted(n int) {
	if p == nil || p.filesDeleted == nil {
		return
	}
	p.filesDeleted.Add(float64(n))
}

func (p *PrometheusRecorder) IncRepairRound() {
	if p == nil || p.repairRounds == nil {
		return
	}
	p.repairRounds.Inc()
}

func (p *PrometheusRecorder) SetRepairWantCount(n int) {
	if p == nil || p.repairWant == nil {
		return
	}
	p.repairWant.Set(float64(n))
}

func (p *PrometheusRecorder) ObserveTransportDial(d time.Duration, success bool) {
	if p == nil || p.dialDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.dialDuration.WithLabelValues(res).Observe(d.Seconds())
}
