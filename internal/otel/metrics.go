package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the core metric instruments.
type Metrics struct {
	// WriteCommits counts committed write-queue operations by kind.
	WriteCommits metric.Int64Counter
	// WriteRejects counts operations rejected by backpressure or conflict.
	WriteRejects metric.Int64Counter
	// QueueDepth tracks the write queue occupancy.
	QueueDepth metric.Int64UpDownCounter
	// GateRuns counts quality gate suite runs by result.
	GateRuns metric.Int64Counter
	// GateDenials counts gate-denied requests by rule.
	GateDenials metric.Int64Counter
	// RecoveryDecisions counts startup recovery decisions by kind.
	RecoveryDecisions metric.Int64Counter
	// TaskDuration measures creation-to-terminal latency in seconds.
	TaskDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WriteCommits, err = meter.Int64Counter("taskos.write.commits",
		metric.WithDescription("Committed write queue operations"),
	)
	if err != nil {
		return nil, err
	}

	m.WriteRejects, err = meter.Int64Counter("taskos.write.rejects",
		metric.WithDescription("Write operations rejected by backpressure or conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("taskos.write.queue_depth",
		metric.WithDescription("Write queue occupancy"),
	)
	if err != nil {
		return nil, err
	}

	m.GateRuns, err = meter.Int64Counter("taskos.gates.runs",
		metric.WithDescription("Quality gate suite runs"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDenials, err = meter.Int64Counter("taskos.gates.denials",
		metric.WithDescription("Requests denied by a gate"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryDecisions, err = meter.Int64Counter("taskos.recovery.decisions",
		metric.WithDescription("Startup recovery decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskos.task.duration",
		metric.WithDescription("Task creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
