// Package aggregator turns detected incidents into context bundles for the
// root-cause stage.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/premortem/internal/bus"
	"github.com/kiranshivaraju/premortem/internal/queue"
	"github.com/kiranshivaraju/premortem/internal/telemetry"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNotDetection is returned for a task whose event is not IncidentDetected.
var ErrNotDetection = errors.New("task is not an IncidentDetected event")

// ContextSource is the slice of the analytical store the aggregator reads.
type ContextSource interface {
	RecentSamples(ctx context.Context, tenantID, errorSignature string, window time.Duration, limit int) ([]models.RawEventSample, error)
	FrequencyTotal(ctx context.Context, tenantID, errorSignature string, window time.Duration) (uint64, error)
	DeployMarkers(ctx context.Context, tenantID, errorSignature string, window time.Duration) ([]string, error)
}

// TaskConsumer delivers queued tasks to a handler.
type TaskConsumer interface {
	Run(ctx context.Context, queueName string, h queue.Handler) error
}

type Aggregator struct {
	source    ContextSource
	publisher bus.EventPublisher
	logger    *slog.Logger
}

func New(source ContextSource, publisher bus.EventPublisher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source:    source,
		publisher: publisher,
		logger:    logger.With("component", "aggregator"),
	}
}

// Run consumes context-builder tasks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, consumer TaskConsumer) error {
	a.logger.Info("context aggregator started", "queue", models.QueueContextBuilder)
	err := consumer.Run(ctx, models.QueueContextBuilder, a.handle)
	a.logger.Info("context aggregator stopped")
	return err
}

func (a *Aggregator) handle(ctx context.Context, msg queue.Message) error {
	return a.HandleTask(ctx, msg.Body)
}

// HandleTask builds and publishes the context for one queued detection.
// Any error leaves the task in the queue; undecodable tasks are expected to
// reach the queue's dead-letter redrive.
func (a *Aggregator) HandleTask(ctx context.Context, body []byte) error {
	event, err := models.DecodeTimelineEvent(body)
	if err != nil {
		return err
	}

	built, err := a.BuildContext(ctx, event)
	if err != nil {
		return err
	}

	if err := a.publisher.Publish(ctx, built); err != nil {
		return fmt.Errorf("publish context for %s: %w", event.IncidentID, err)
	}

	a.logger.Info("context built",
		"tenant_id", event.TenantID, "incident_id", event.IncidentID,
		"error_count", built.Payload.(*models.ContextBuiltPayload).ErrorCount)
	return nil
}

// BuildContext gathers samples, totals and deploy markers for a detection
// and returns the resulting ContextBuilt event.
func (a *Aggregator) BuildContext(ctx context.Context, event models.TimelineEvent) (models.TimelineEvent, error) {
	detection, ok := event.Payload.(*models.IncidentDetectedPayload)
	if !ok {
		return models.TimelineEvent{}, fmt.Errorf("%w: got %s", ErrNotDetection, event.EventType)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "aggregator.BuildContext")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", event.TenantID),
		attribute.String("incident_id", event.IncidentID),
	)

	bundle, err := a.gather(ctx, event.TenantID, detection.ErrorSignature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context query failed")
		return models.TimelineEvent{}, fmt.Errorf("build context for %s: %w", event.IncidentID, err)
	}

	return models.NewTimelineEvent(event.TenantID, event.IncidentID, &models.ContextBuiltPayload{
		ErrorCount:       bundle.ErrorCount,
		TimeRangeMinutes: models.ContextWindowMinutes,
		Services:         bundle.Services(),
		HasDeployInfo:    len(bundle.DeployHashes) > 0,
		HasCodeContext:   false,
		ContextSummary:   RenderSummary(detection, bundle),
	}), nil
}

func (a *Aggregator) gather(ctx context.Context, tenantID, signature string) (Bundle, error) {
	samples, err := a.source.RecentSamples(ctx, tenantID, signature, models.ContextWindow, models.ContextSampleLimit)
	if err != nil {
		return Bundle{}, err
	}
	total, err := a.source.FrequencyTotal(ctx, tenantID, signature, models.ContextWindow)
	if err != nil {
		return Bundle{}, err
	}
	deploys, err := a.source.DeployMarkers(ctx, tenantID, signature, models.ContextWindow)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Samples: samples, ErrorCount: total, DeployHashes: deploys}, nil
}
