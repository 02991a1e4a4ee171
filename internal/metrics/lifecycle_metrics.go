package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle содержит метрики жизненного цикла заказа и фоновых задач.
// Методы безопасны для nil-получателя, чтобы сервисы работали без метрик в тестах.
type Lifecycle struct {
	// Переходы статусов
	transitions *prometheus.CounterVec
	conflicts   prometheus.Counter

	// Платежи и доставка
	webhooks       *prometheus.CounterVec
	ttnCreated     prometheus.Counter
	returns        *prometheus.CounterVec
	reminders      *prometheus.CounterVec
	policyProposed *prometheus.CounterVec

	// Фоновые задачи
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
}

// NewLifecycle создаёт метрики в DefaultRegisterer.
func NewLifecycle() *Lifecycle {
	return NewLifecycleWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleWithRegisterer создаёт метрики в заданном registry.
func NewLifecycleWithRegisterer(registerer prometheus.Registerer) *Lifecycle {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Lifecycle{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_order_transitions_total",
			Help: "Total number of successful order status transitions.",
		}, []string{"from", "to"}),
		conflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_order_conflicts_total",
			Help: "Total number of order compare-and-swap conflicts.",
		}),
		webhooks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_payment_webhooks_total",
			Help: "Total number of payment webhooks grouped by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ttnCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_ttn_created_total",
			Help: "Total number of carrier tracking numbers created.",
		}),
		returns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_returns_detected_total",
			Help: "Total number of detected parcel returns by stage.",
		}, []string{"stage"}),
		reminders: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_reminders_enqueued_total",
			Help: "Total number of customer reminders enqueued by kind and stage.",
		}, []string{"kind", "stage"}),
		policyProposed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_policy_actions_proposed_total",
			Help: "Total number of proposed policy actions by type.",
		}, []string{"type"}),
		jobRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_job_runs_total",
			Help: "Total number of scheduler job runs grouped by job and result.",
		}, []string{"job", "result"}),
		jobDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "market_job_duration_seconds",
			Help:    "Duration of scheduler job iterations in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job"}),
		activeJobs: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "market_jobs_in_flight",
			Help: "Number of scheduler job iterations currently running.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordTransition увеличивает счётчик переходов from -> to.
func (m *Lifecycle) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordConflict увеличивает счётчик конфликтов CAS.
func (m *Lifecycle) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordWebhook учитывает обработанный webhook.
func (m *Lifecycle) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

// RecordTTNCreated учитывает созданную ТТН.
func (m *Lifecycle) RecordTTNCreated() {
	if m == nil {
		return
	}
	m.ttnCreated.Inc()
}

// RecordReturn учитывает обнаруженный возврат.
func (m *Lifecycle) RecordReturn(stage string) {
	if m == nil {
		return
	}
	m.returns.WithLabelValues(stage).Inc()
}

// RecordReminder учитывает поставленное в очередь напоминание.
func (m *Lifecycle) RecordReminder(kind, stage string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(kind, stage).Inc()
}

// RecordPolicyProposal учитывает новое предложение policy engine.
func (m *Lifecycle) RecordPolicyProposal(actionType string) {
	if m == nil {
		return
	}
	m.policyProposed.WithLabelValues(actionType).Inc()
}

// RecordJobStarted увеличивает количество выполняющихся задач.
func (m *Lifecycle) RecordJobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// RecordJobFinished фиксирует результат и длительность итерации задачи.
func (m *Lifecycle) RecordJobFinished(job, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
