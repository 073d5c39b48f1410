package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the server's instruments.
type Metrics struct {
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	PendingCalls     metric.Int64UpDownCounter
	StaleResults     metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ActiveTasks      metric.Int64UpDownCounter
	TaskSteps        metric.Int64Counter
	StreamTokens     metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ToolCallDuration, err = meter.Float64Histogram("worldlink.tool.duration",
		metric.WithDescription("Tool dispatch duration from tool_start to tool_end in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("worldlink.tool.errors",
		metric.WithDescription("Tool dispatches that ended with an error, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingCalls, err = meter.Int64UpDownCounter("worldlink.calls.pending",
		metric.WithDescription("Remote tool calls awaiting a response"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleResults, err = meter.Int64Counter("worldlink.calls.stale",
		metric.WithDescription("Remote call outcomes discarded because their task was aborted"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("worldlink.task.duration",
		metric.WithDescription("Task duration from started to finished boundary in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("worldlink.task.active",
		metric.WithDescription("Tasks currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskSteps, err = meter.Int64Counter("worldlink.task.steps",
		metric.WithDescription("Brain steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("worldlink.stream.tokens",
		metric.WithDescription("Token envelopes delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("worldlink.sessions.active",
		metric.WithDescription("Sessions held by the registry"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
