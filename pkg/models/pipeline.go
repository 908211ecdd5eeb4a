package models

import (
	"strings"
	"time"
)

// TimelineTopic is the bus topic carrying every TimelineEvent.
const TimelineTopic = "debugging.timeline"

// Task queue names.
const (
	QueueContextBuilder  = "context-builder-tasks"
	QueueRCA             = "rca-tasks"
	QueueFix             = "fix-tasks"
	QueueInstrumentation = "instrumentation-tasks"
	QueueEvaluation      = "evaluation-tasks"
)

const (
	// DetectionWindowMinutes is the trailing window the spike detector sums over.
	DetectionWindowMinutes = 5
	// ContextWindowMinutes is the trailing window the context aggregator looks back over.
	ContextWindowMinutes = 60
	// ContextSampleLimit caps the raw samples fetched per incident.
	ContextSampleLimit = 20

	// HighConfidence is the minimum root-cause confidence routed to the fix queue.
	HighConfidence = 0.7

	// UnknownErrorType is reported when no raw event backs a spike.
	UnknownErrorType = "Unknown"
)

const (
	DetectionWindow = DetectionWindowMinutes * time.Minute
	ContextWindow   = ContextWindowMinutes * time.Minute
)

// IdempotencyKey joins the routing identity of an event. The agent version is
// appended only when non-empty.
func IdempotencyKey(tenantID, incidentID string, eventType EventType, agentVersion string) string {
	parts := []string{tenantID, incidentID, string(eventType)}
	if agentVersion != "" {
		parts = append(parts, agentVersion)
	}
	return strings.Join(parts, ":")
}
