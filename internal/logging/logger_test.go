package logging

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
)

// recordingLogger captures emitted OTLP records for assertions.
type recordingLogger struct {
	embedded.Logger
	records []otellog.Record
}

func (r *recordingLogger) Emit(_ context.Context, record otellog.Record) {
	r.records = append(r.records, record)
}

func (r *recordingLogger) Enabled(context.Context, otellog.EnabledParameters) bool {
	return true
}

func TestNew_DevelopmentUsesTextFormatter(t *testing.T) {
	logger := New("debug", "development")
	require.NotNil(t, logger)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNew_ProductionUsesJSONFormatter(t *testing.T) {
	logger := New("warn", "production")
	require.NotNil(t, logger)

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestParseLogrusLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  logrus.Level
	}{
		{name: "trace", level: "trace", want: logrus.TraceLevel},
		{name: "debug", level: "debug", want: logrus.DebugLevel},
		{name: "warn", level: "warn", want: logrus.WarnLevel},
		{name: "warning alias", level: "warning", want: logrus.WarnLevel},
		{name: "error", level: "error", want: logrus.ErrorLevel},
		{name: "mixed case", level: "DeBuG", want: logrus.DebugLevel},
		{name: "unknown defaults to info", level: "loud", want: logrus.InfoLevel},
		{name: "empty defaults to info", level: "", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogrusLevel(tt.level))
		})
	}
}

func TestOTLPHook_FireConvertsEntry(t *testing.T) {
	rec := &recordingLogger{}
	hook := &OTLPHook{logger: rec}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(hook)

	logger.WithFields(logrus.Fields{
		"series":  "sku-1@store-1",
		"horizon": 7,
		"mape":    12.5,
		"cached":  false,
	}).Warn("forecast served from stale cache")

	require.Len(t, rec.records, 1)
	record := rec.records[0]

	assert.Equal(t, otellog.SeverityWarn, record.Severity())
	assert.Equal(t, "warning", record.SeverityText())
	assert.Equal(t, "forecast served from stale cache", record.Body().AsString())

	attrs := make(map[string]otellog.Value)
	record.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	require.Len(t, attrs, 4)
	assert.Equal(t, "sku-1@store-1", attrs["series"].AsString())
	assert.Equal(t, int64(7), attrs["horizon"].AsInt64())
	assert.Equal(t, 12.5, attrs["mape"].AsFloat64())
	assert.False(t, attrs["cached"].AsBool())
}

func TestOTLPHook_AcceptsAllLevels(t *testing.T) {
	hook := &OTLPHook{}
	assert.Equal(t, logrus.AllLevels, hook.Levels())
}

func TestOTLPHook_ShutdownWithoutProvider(t *testing.T) {
	hook := &OTLPHook{}
	assert.NoError(t, hook.Shutdown(context.Background()))
}

func TestConvertLevelToSeverity(t *testing.T) {
	tests := []struct {
		name  string
		level logrus.Level
		want  otellog.Severity
	}{
		{name: "trace", level: logrus.TraceLevel, want: otellog.SeverityTrace},
		{name: "debug", level: logrus.DebugLevel, want: otellog.SeverityDebug},
		{name: "info", level: logrus.InfoLevel, want: otellog.SeverityInfo},
		{name: "warn", level: logrus.WarnLevel, want: otellog.SeverityWarn},
		{name: "error", level: logrus.ErrorLevel, want: otellog.SeverityError},
		{name: "fatal", level: logrus.FatalLevel, want: otellog.SeverityFatal},
		{name: "panic", level: logrus.PanicLevel, want: otellog.SeverityFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertLevelToSeverity(tt.level))
		})
	}
}

func TestLogValue(t *testing.T) {
	assert.Equal(t, "plain", logValue("plain").AsString())
	assert.Equal(t, int64(3), logValue(3).AsInt64())
	assert.Equal(t, int64(9), logValue(int64(9)).AsInt64())
	assert.Equal(t, 1.25, logValue(1.25).AsFloat64())
	assert.True(t, logValue(true).AsBool())
	assert.Equal(t, "assert.AnError general error for testing", logValue(assert.AnError).AsString())
	assert.Equal(t, "[1 2]", logValue([]int{1, 2}).AsString())
}
