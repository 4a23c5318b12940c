package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all opsync metric instruments.
type Metrics struct {
	MutationDuration metric.Float64Histogram
	MutationsTotal   metric.Int64Counter
	RollbacksTotal   metric.Int64Counter
	RefetchDuration  metric.Float64Histogram
	RefetchRetries   metric.Int64Counter
	QueuePending     metric.Int64UpDownCounter
	ReplayedTotal    metric.Int64Counter
	RemoteCallErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MutationDuration, err = meter.Float64Histogram("opsync.mutation.duration",
		metric.WithDescription("Optimistic mutation settle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsTotal, err = meter.Int64Counter("opsync.mutation.total",
		metric.WithDescription("Mutations attempted, by operation"),
	)
	if err != nil {
		return nil, err
	}

	m.RollbacksTotal, err = meter.Int64Counter("opsync.mutation.rollbacks",
		metric.WithDescription("Cache rollbacks after a failed remote mutation"),
	)
	if err != nil {
		return nil, err
	}

	m.RefetchDuration, err = meter.Float64Histogram("opsync.refetch.duration",
		metric.WithDescription("Full collection refetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RefetchRetries, err = meter.Int64Counter("opsync.refetch.retries",
		metric.WithDescription("Refetch attempts beyond the first"),
	)
	if err != nil {
		return nil, err
	}

	m.QueuePending, err = meter.Int64UpDownCounter("opsync.queue.pending",
		metric.WithDescription("Offline queue entries awaiting sync"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayedTotal, err = meter.Int64Counter("opsync.replay.total",
		metric.WithDescription("Offline entries replayed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RemoteCallErrors, err = meter.Int64Counter("opsync.remote.errors",
		metric.WithDescription("Record store call failures, by class"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
