package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	verifications *prometheus.CounterVec
	tasksCreated  *prometheus.CounterVec
	duplicates    prometheus.Counter
	proofsStored  prometheus.Counter
	proofBytes    prometheus.Counter
	jobs          *prometheus.CounterVec
	generatorRuns *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "response_transitions_total",
			Help:      "Task response status transitions.",
		}, []string{"from", "to"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "verifications_total",
			Help:      "Verification history rows by action.",
		}, []string{"action"}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "tasks_created_total",
			Help:      "Tasks created by origin.",
		}, []string{"origin"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "duplicate_tasks_total",
			Help:      "Task creations refused as duplicates.",
		}),
		proofsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "proofs_stored_total",
			Help:      "Proof files stored.",
		}),
		proofBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "proof_bytes_total",
			Help:      "Bytes of proof files stored.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "jobs_total",
			Help:      "Deferred jobs processed by kind and result.",
		}, []string{"kind", "result"}),
		generatorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealerdesk",
			Name:      "generator_occurrences_total",
			Help:      "Generator occurrences by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.verifications, m.tasksCreated, m.duplicates,
		m.proofsStored, m.proofBytes, m.jobs, m.generatorRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Verification(action string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(action).Inc()
}

func (m *Metrics) TaskCreated(origin string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(origin).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) ProofStored(size int64) {
	if m == nil {
		return
	}
	m.proofsStored.Inc()
	m.proofBytes.Add(float64(size))
}

func (m *Metrics) Job(kind, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) GeneratorOccurrence(outcome string) {
	if m == nil {
		return
	}
	m.generatorRuns.WithLabelValues(outcome).Inc()
}
