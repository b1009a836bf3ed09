package device

import (
	"context"
	"slices"
)

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricWriter accepts numeric telemetry points. The InfluxDB client
// satisfies it.
type MetricWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
}

// Recorder persists every batched state change to the history repository
// and writes numeric attribute values as telemetry. Either sink may be nil.
type Recorder struct {
	history HistoryRepository
	metrics MetricWriter
	logger  Logger
}

// NewRecorder creates a recorder over the given sinks.
func NewRecorder(history HistoryRepository, metrics MetricWriter, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{history: history, metrics: metrics, logger: logger}
}

// Record stores one change notification. Persistence failures are logged,
// not returned.
func (r *Recorder) Record(ctx context.Context, deviceID string, changed []string, state State, source string) {
	if r.history != nil {
		if err := r.history.RecordStateChange(ctx, deviceID, changed, state, source); err != nil {
			r.logger.Warn("recording state history failed", "device_id", deviceID, "error", err)
		}
	}

	if r.metrics == nil {
		return
	}
	keys := slices.Clone(changed)
	slices.Sort(keys)
	for _, key := range keys {
		v, ok := MetricValue(state[key])
		if !ok {
			continue
		}
		r.metrics.WriteDeviceMetric(deviceID, key, v)
	}
}

// MetricValue converts an attribute value into a telemetry field. Booleans
// become 0 or 1. Values with no numeric form report false.
func MetricValue(v any) (float64, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
