// Package router forwards timeline events to the task queue of the next
// pipeline stage, at most once per idempotency key.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/premortem/internal/bus"
	"github.com/kiranshivaraju/premortem/internal/cache"
	"github.com/kiranshivaraju/premortem/internal/queue"
	"github.com/kiranshivaraju/premortem/internal/telemetry"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrInFlight is returned when another worker holds the claim for an event.
// The bus retries the message until that claim completes or expires.
var ErrInFlight = errors.New("event already in flight")

// Action describes what Route did with an event.
type Action string

const (
	ActionEnqueued  Action = "enqueued"
	ActionDuplicate Action = "duplicate"
	ActionIgnored   Action = "ignored"
)

// Decision is the outcome of routing one event.
type Decision struct {
	Action Action
	Queue  string
	Key    string
}

// Router routes timeline events to task queues.
type Router struct {
	ledger Ledger
	sender queue.Sender
	logger *slog.Logger
}

func New(ledger Ledger, sender queue.Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		ledger: ledger,
		sender: sender,
		logger: logger.With("component", "router"),
	}
}

// Subscription delivers timeline messages to a handler.
type Subscription interface {
	Run(ctx context.Context, h bus.Handler) error
}

// Run consumes sub until ctx is cancelled.
func (r *Router) Run(ctx context.Context, sub Subscription) error {
	r.logger.Info("event router started", "topic", models.TimelineTopic)
	err := sub.Run(ctx, r.HandleMessage)
	r.logger.Info("event router stopped")
	return err
}

// HandleMessage is the bus.Handler for the timeline topic. Messages that do
// not decode are dropped.
func (r *Router) HandleMessage(ctx context.Context, value []byte) error {
	event, err := models.DecodeTimelineEvent(value)
	if err != nil {
		r.logger.Warn("dropping malformed timeline event", "error", err)
		return bus.Permanent(err)
	}
	_, err = r.Route(ctx, event)
	return err
}

// Route enqueues event on the queue its type maps to.
func (r *Router) Route(ctx context.Context, event models.TimelineEvent) (Decision, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", event.TenantID),
		attribute.String("incident_id", event.IncidentID),
		attribute.String("event_type", string(event.EventType)),
	)

	key := event.IdempotencyKey()
	log := r.logger.With("tenant_id", event.TenantID, "incident_id", event.IncidentID,
		"event_type", event.EventType, "idempotency_key", key)

	target := QueueFor(event.Payload)
	if target == "" {
		log.Debug("no route for event type, ignoring")
		return Decision{Action: ActionIgnored, Key: key}, nil
	}
	log = log.With("queue", target)
	decision := Decision{Queue: target, Key: key}

	token := uuid.NewString()
	state, err := r.ledger.Claim(ctx, key, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger claim failed")
		return decision, fmt.Errorf("claim %s: %w", key, err)
	}
	switch state {
	case cache.ClaimCompleted:
		log.Info("duplicate event, already routed")
		decision.Action = ActionDuplicate
		return decision, nil
	case cache.ClaimPending:
		return decision, fmt.Errorf("%w: %s", ErrInFlight, key)
	}

	if err := r.sender.Send(ctx, target, event, queue.SendOptions{DedupKey: key, GroupID: event.IncidentID}); err != nil {
		if relErr := r.ledger.Release(context.WithoutCancel(ctx), key, token); relErr != nil {
			log.Error("release claim after failed enqueue", "error", relErr)
		}
		log.Error("enqueue failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return decision, fmt.Errorf("enqueue %s: %w", key, err)
	}

	if err := r.ledger.Complete(context.WithoutCancel(ctx), key); err != nil {
		// The task is already queued; a redelivery would duplicate it.
		log.Error("mark routed", "error", err)
	}

	log.Info("event routed")
	decision.Action = ActionEnqueued
	return decision, nil
}

// TargetQueues lists every queue QueueFor can return.
var TargetQueues = []string{
	models.QueueContextBuilder,
	models.QueueRCA,
	models.QueueFix,
	models.QueueInstrumentation,
}

// QueueFor returns the task queue for a payload, or "" when the event type
// has no route.
func QueueFor(p models.Payload) string {
	if p == nil {
		return ""
	}
	var v routeVisitor
	_ = p.Accept(&v)
	return v.queue
}

type routeVisitor struct {
	queue string
}

func (v *routeVisitor) VisitIncidentDetected(*models.IncidentDetectedPayload) error {
	v.queue = models.QueueContextBuilder
	return nil
}

func (v *routeVisitor) VisitContextBuilt(*models.ContextBuiltPayload) error {
	v.queue = models.QueueRCA
	return nil
}

func (v *routeVisitor) VisitRootCauseProposed(p *models.RootCauseProposedPayload) error {
	if p.Confidence >= models.HighConfidence {
		v.queue = models.QueueFix
	} else {
		v.queue = models.QueueInstrumentation
	}
	return nil
}

func (v *routeVisitor) VisitFixProposed(*models.FixProposedPayload) error { return nil }

func (v *routeVisitor) VisitFixApplied(*models.FixAppliedPayload) error { return nil }

func (v *routeVisitor) VisitInstrumentationProposed(*models.InstrumentationProposedPayload) error {
	return nil
}

func (v *routeVisitor) VisitEvaluationCompleted(*models.EvaluationCompletedPayload) error { return nil }

func (v *routeVisitor) VisitIncidentResolved(*models.IncidentResolvedPayload) error { return nil }

func (v *routeVisitor) VisitIncidentSuppressed(*models.IncidentSuppressedPayload) error { return nil }

func (v *routeVisitor) VisitUnknown(*models.UnknownPayload) error { return nil }
