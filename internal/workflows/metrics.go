package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumaforge/luma/internal/providers"
)

const instrumentationName = "github.com/lumaforge/luma/internal/workflows"

var (
	stageDuration     metric.Float64Histogram
	stageErrorCounter metric.Int64Counter
	runOutcomeCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for the pipeline.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	stageDuration, err = meter.Float64Histogram(
		"luma.pipeline.stage.duration",
		metric.WithDescription("Duration of pipeline stage activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage duration histogram: %v", err))
	}

	stageErrorCounter, err = meter.Int64Counter(
		"luma.pipeline.stage.errors",
		metric.WithDescription("Number of failed pipeline stage activity executions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage error counter: %v", err))
	}

	runOutcomeCounter, err = meter.Int64Counter(
		"luma.pipeline.runs",
		metric.WithDescription("Number of pipeline runs by reported status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run outcome counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordStage(ctx context.Context, stage string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	stageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		stageErrorCounter.Add(ctx, 1, attrs)
	}
}

func recordRunStatus(ctx context.Context, status providers.TaskStatus) {
	runOutcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
