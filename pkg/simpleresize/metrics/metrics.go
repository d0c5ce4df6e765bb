// Package metrics exports processor activity to Prometheus through the
// processor's lifecycle hooks.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Observer holds the resize pipeline collectors
type Observer struct {
	tasks       *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	suppressed  prometheus.Counter
	outputBytes prometheus.Counter
}

// New registers the collectors on reg (prometheus.DefaultRegisterer when nil).
// Collectors already registered by an earlier Observer are reused.
func New(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "resizer"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{}
	var err error
	if o.tasks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Processing tasks by final state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if o.stages, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each processing state.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if o.failures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Failed tasks by failure kind and retry class.",
	}, []string{"kind", "class"})); err != nil {
		return nil, err
	}
	if o.deliveries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Queue deliveries by disposition.",
	}, []string{"disposition"})); err != nil {
		return nil, err
	}
	if o.suppressed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_suppressed_total",
		Help:      "Completion events skipped because they were already published.",
	})); err != nil {
		return nil, err
	}
	if o.outputBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "derived_bytes_total",
		Help:      "Bytes written to the derived store.",
	})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// Hooks returns processor hooks feeding the collectors
func (o *Observer) Hooks() simpleresize.Hooks {
	return simpleresize.Hooks{
		OnTransition: []simpleresize.TransitionHook{o.observeTransition},
		OnResult:     []simpleresize.ResultHook{o.observeResult},
		OnOutcome:    []simpleresize.OutcomeHook{o.observeOutcome},
	}
}

func (o *Observer) observeTransition(ctx context.Context, task simpleresize.ProcessingTask, from, to simpleresize.State, elapsed time.Duration) {
	o.stages.WithLabelValues(from.String()).Observe(elapsed.Seconds())
}

func (o *Observer) observeResult(ctx context.Context, res simpleresize.Result) {
	o.tasks.WithLabelValues(res.State.String()).Inc()
	if res.Err != nil {
		o.failures.WithLabelValues(string(res.Kind), res.Class.String()).Inc()
		return
	}
	if res.Suppressed {
		o.suppressed.Inc()
	}
	if res.Derived != nil {
		o.outputBytes.Add(float64(len(res.Derived.Data)))
	}
}

func (o *Observer) observeOutcome(ctx context.Context, outcome simpleresize.Outcome) {
	o.deliveries.WithLabelValues(outcome.Disposition.String()).Inc()
}
