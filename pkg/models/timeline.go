package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent is returned when a timeline event cannot be decoded or
// is missing envelope fields.
var ErrMalformedEvent = errors.New("malformed timeline event")

// EventType is the discriminant of a TimelineEvent.
type EventType string

const (
	EventIncidentDetected        EventType = "IncidentDetected"
	EventContextBuilt            EventType = "ContextBuilt"
	EventRootCauseProposed       EventType = "RootCauseProposed"
	EventFixProposed             EventType = "FixProposed"
	EventFixApplied              EventType = "FixApplied"
	EventInstrumentationProposed EventType = "InstrumentationProposed"
	EventEvaluationCompleted     EventType = "EvaluationCompleted"
	EventIncidentResolved        EventType = "IncidentResolved"
	EventIncidentSuppressed      EventType = "IncidentSuppressed"
)

// KnownEventTypes lists every discriminant this build understands.
var KnownEventTypes = []EventType{
	EventIncidentDetected,
	EventContextBuilt,
	EventRootCauseProposed,
	EventFixProposed,
	EventFixApplied,
	EventInstrumentationProposed,
	EventEvaluationCompleted,
	EventIncidentResolved,
	EventIncidentSuppressed,
}

// AgentMeta identifies the producer of an event.
type AgentMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TimelineEvent is one immutable pipeline message broadcast on the bus.
// The payload's concrete type is fully determined by EventType.
type TimelineEvent struct {
	Time       time.Time
	TenantID   string
	IncidentID string
	EventType  EventType
	Agent      *AgentMeta
	Payload    Payload
}

// NewTimelineEvent stamps a new event for the given incident with the current time.
func NewTimelineEvent(tenantID, incidentID string, p Payload) TimelineEvent {
	return TimelineEvent{
		Time:       time.Now().UTC(),
		TenantID:   tenantID,
		IncidentID: incidentID,
		EventType:  p.EventType(),
		Payload:    p,
	}
}

// IdempotencyKey returns the routing key for this event.
func (e TimelineEvent) IdempotencyKey() string {
	version := ""
	if e.Agent != nil {
		version = e.Agent.Version
	}
	return IdempotencyKey(e.TenantID, e.IncidentID, e.EventType, version)
}

type wireEvent struct {
	Time       time.Time       `json:"time"`
	TenantID   *string         `json:"tenant_id"`
	IncidentID string          `json:"incident_id"`
	EventType  EventType       `json:"event_type"`
	Agent      *AgentMeta      `json:"agent,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (e TimelineEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Time:       e.Time,
		TenantID:   &e.TenantID,
		IncidentID: e.IncidentID,
		EventType:  e.EventType,
		Agent:      e.Agent,
	}

	switch p := e.Payload.(type) {
	case nil:
		w.Payload = json.RawMessage("{}")
	case *UnknownPayload:
		w.Payload = p.Raw
	default:
		if w.EventType == "" {
			w.EventType = p.EventType()
		}
		if w.EventType != p.EventType() {
			return nil, fmt.Errorf("event type %q does not match payload %q", w.EventType, p.EventType())
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", w.EventType, err)
		}
		w.Payload = raw
	}

	return json.Marshal(w)
}

func (e *TimelineEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch {
	case w.Time.IsZero():
		return fmt.Errorf("%w: time is required", ErrMalformedEvent)
	// An empty tenant is valid: upstream rows may carry none.
	case w.TenantID == nil:
		return fmt.Errorf("%w: tenant_id is required", ErrMalformedEvent)
	case w.IncidentID == "":
		return fmt.Errorf("%w: incident_id is required", ErrMalformedEvent)
	case w.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrMalformedEvent)
	}

	payload, err := decodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}

	*e = TimelineEvent{
		Time:       w.Time,
		TenantID:   *w.TenantID,
		IncidentID: w.IncidentID,
		EventType:  w.EventType,
		Agent:      w.Agent,
		Payload:    payload,
	}
	return nil
}

// DecodeTimelineEvent parses a single JSON-encoded event.
func DecodeTimelineEvent(data []byte) (TimelineEvent, error) {
	var e TimelineEvent
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return TimelineEvent{}, err
		}
		return TimelineEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventIncidentDetected:
		p = &IncidentDetectedPayload{}
	case EventContextBuilt:
		p = &ContextBuiltPayload{}
	case EventRootCauseProposed:
		p = &RootCauseProposedPayload{}
	case EventFixProposed:
		p = &FixProposedPayload{}
	case EventFixApplied:
		p = &FixAppliedPayload{}
	case EventInstrumentationProposed:
		p = &InstrumentationProposedPayload{}
	case EventEvaluationCompleted:
		p = &EvaluationCompletedPayload{}
	case EventIncidentResolved:
		p = &IncidentResolvedPayload{}
	case EventIncidentSuppressed:
		p = &IncidentSuppressedPayload{}
	default:
		return &UnknownPayload{Type: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: payload is required for %s", ErrMalformedEvent, t)
	}
	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, t, err)
	}
	return p, nil
}
