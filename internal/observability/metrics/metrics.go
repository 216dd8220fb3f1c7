package metrics

import "github.com/prometheus/client_golang/prometheus"

// ResolverMetrics exposes counters/histograms for outcome resolver runs.
type ResolverMetrics struct {
	runsTotal     prometheus.Counter
	outcomesTotal *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	m := &ResolverMetrics{
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "resolver",
			Name:      "runs_total",
			Help:      "Total resolver passes that held the run lock",
		}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "resolver",
			Name:      "outcomes_total",
			Help:      "Resolver candidate dispositions",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookflow",
			Subsystem: "resolver",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one resolver pass",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.outcomesTotal, m.runDuration)
	return m
}

func (m *ResolverMetrics) ObserveRun(seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.Inc()
	m.runDuration.Observe(seconds)
}

func (m *ResolverMetrics) ObserveOutcome(result string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(result).Inc()
}

// BookingMetrics covers the payment webhook and the cancellation engine.
type BookingMetrics struct {
	webhookTotal      *prometheus.CounterVec
	cancellationTotal *prometheus.CounterVec
	refundsTotal      *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "payments",
			Name:      "webhook_total",
			Help:      "Total gateway webhook deliveries",
		}, []string{"event_type", "status"}),
		cancellationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "cancellations",
			Name:      "processed_total",
			Help:      "Cancellation requests by disposition",
		}, []string{"result"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "cancellations",
			Name:      "refunds_total",
			Help:      "Refund attempts against the gateway",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal, m.cancellationTotal, m.refundsTotal)
	return m
}

func (m *BookingMetrics) ObserveWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, status).Inc()
}

func (m *BookingMetrics) ObserveCancellation(result string) {
	if m == nil {
		return
	}
	m.cancellationTotal.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveRefund(status string) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(status).Inc()
}

// RecoveryMetrics covers the slot recovery engine.
type RecoveryMetrics struct {
	openingsTotal *prometheus.CounterVec
	offersTotal   prometheus.Counter
	acceptsTotal  *prometheus.CounterVec
	offerToFill   prometheus.Histogram
}

func NewRecoveryMetrics(reg prometheus.Registerer) *RecoveryMetrics {
	m := &RecoveryMetrics{
		openingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "recovery",
			Name:      "openings_total",
			Help:      "Slot openings by lifecycle event",
		}, []string{"event"}),
		offersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "recovery",
			Name:      "offers_sent_total",
			Help:      "Total rebooking offers dispatched",
		}),
		acceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookflow",
			Subsystem: "recovery",
			Name:      "accepts_total",
			Help:      "Offer acceptance attempts by result",
		}, []string{"result"}),
		offerToFill: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookflow",
			Subsystem: "recovery",
			Name:      "offer_to_fill_seconds",
			Help:      "Time from opening creation to a winning acceptance",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.openingsTotal, m.offersTotal, m.acceptsTotal, m.offerToFill)
	return m
}

func (m *RecoveryMetrics) ObserveOpening(event string) {
	if m == nil {
		return
	}
	m.openingsTotal.WithLabelValues(event).Inc()
}

func (m *RecoveryMetrics) ObserveOffersSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.offersTotal.Add(float64(n))
}

func (m *RecoveryMetrics) ObserveAccept(result string) {
	if m == nil {
		return
	}
	m.acceptsTotal.WithLabelValues(result).Inc()
}

func (m *RecoveryMetrics) ObserveOfferToFill(seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.offerToFill.Observe(seconds)
}
