package models

import "time"

// RawEvent is one ingested error occurrence as stored in the raw_events
// table. The pipeline only reads these rows.
type RawEvent struct {
	EventID        string    `ch:"event_id"`
	TenantID       string    `ch:"tenant_id"`
	Service        string    `ch:"service"`
	Environment    string    `ch:"environment"`
	ErrorSignature string    `ch:"error_signature"`
	ErrorType      string    `ch:"error_type"`
	ErrorValue     string    `ch:"error_value"`
	Stacktrace     string    `ch:"stacktrace"`
	DeployHash     string    `ch:"deploy_hash"`
	EventTimestamp time.Time `ch:"event_timestamp"`
}

// SpikeGroup is one (tenant, service, signature) whose windowed error count
// reached the spike threshold.
type SpikeGroup struct {
	TenantID       string `ch:"tenant_id"`
	Service        string `ch:"service"`
	ErrorSignature string `ch:"error_signature"`
	Total          uint64 `ch:"total"`
}

// ErrorDetail is the human-readable description of a signature.
type ErrorDetail struct {
	ErrorType  string `ch:"error_type"`
	ErrorValue string `ch:"error_value"`
}

// RawEventSample is the subset of a raw event used to build incident context.
type RawEventSample struct {
	EventID        string    `ch:"event_id"`
	ErrorType      string    `ch:"error_type"`
	ErrorValue     string    `ch:"error_value"`
	Stacktrace     string    `ch:"stacktrace"`
	Service        string    `ch:"service"`
	DeployHash     string    `ch:"deploy_hash"`
	EventTimestamp time.Time `ch:"event_timestamp"`
}
