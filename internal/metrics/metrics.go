package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"recallbot/internal/events"
)

const namespace = "recallbot"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by kind and result.",
		},
		[]string{"kind", "result"},
	)

	jobEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job lifecycle events by job name.",
		},
		[]string{"name", "event"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time by job name.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	providerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_requests_total",
			Help:      "Provisioning API calls by operation and status code.",
		},
		[]string{"operation", "status"},
	)

	schedulingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_outcomes_total",
			Help:      "Bot scheduling decisions by outcome.",
		},
		[]string{"outcome"},
	)

	calendarTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_status_transitions_total",
			Help:      "Calendar connection status changes.",
		},
		[]string{"from", "to"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhooks,
			jobEvents,
			jobDuration,
			providerRequests,
			schedulingOutcomes,
			calendarTransitions,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint, status string) {
	httpRequests.WithLabelValues(endpoint, status).Inc()
}

func IncWebhook(kind, result string) {
	webhooks.WithLabelValues(kind, result).Inc()
}

func IncProvider(operation, status string) {
	providerRequests.WithLabelValues(operation, status).Inc()
}

func IncSchedulingOutcome(outcome string) {
	schedulingOutcomes.WithLabelValues(outcome).Inc()
}

func IncCalendarTransition(from, to string) {
	calendarTransitions.WithLabelValues(from, to).Inc()
}

// SubscribeJobEvents feeds job lifecycle and calendar status events from the bus into counters.
func SubscribeJobEvents(bus *events.EventBus) {
	if bus == nil {
		return
	}

	for _, eventType := range []string{
		events.EventJobStarted,
		events.EventJobCompleted,
		events.EventJobRetrying,
		events.EventJobFailed,
		events.EventJobStalled,
		events.EventJobDeadLettered,
	} {
		bus.Subscribe(eventType, observeJob)
	}

	bus.Subscribe(events.EventCalendarStatusChanged, func(ev *events.Event) error {
		var p events.CalendarStatusPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		IncCalendarTransition(p.From, p.To)
		return nil
	})
}

func observeJob(ev *events.Event) error {
	var p events.JobEventPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	jobEvents.WithLabelValues(p.Name, ev.Type).Inc()
	if ev.Type == events.EventJobCompleted && p.Duration > 0 {
		jobDuration.WithLabelValues(p.Name).Observe(p.Duration.Seconds())
	}
	return nil
}
