package models

import "encoding/json"

// Payload is the body of a TimelineEvent. The set of implementations is
// closed: each one maps to exactly one EventType.
type Payload interface {
	EventType() EventType
	Accept(v PayloadVisitor) error
	isPayload()
}

// PayloadVisitor dispatches on the concrete payload variant. Adding a
// variant adds a method here.
type PayloadVisitor interface {
	VisitIncidentDetected(*IncidentDetectedPayload) error
	VisitContextBuilt(*ContextBuiltPayload) error
	VisitRootCauseProposed(*RootCauseProposedPayload) error
	VisitFixProposed(*FixProposedPayload) error
	VisitFixApplied(*FixAppliedPayload) error
	VisitInstrumentationProposed(*InstrumentationProposedPayload) error
	VisitEvaluationCompleted(*EvaluationCompletedPayload) error
	VisitIncidentResolved(*IncidentResolvedPayload) error
	VisitIncidentSuppressed(*IncidentSuppressedPayload) error
	VisitUnknown(*UnknownPayload) error
}

// IncidentDetectedPayload is emitted by the spike detector.
type IncidentDetectedPayload struct {
	ErrorSignature string `json:"error_signature"`
	Service        string `json:"service"`
	ErrorType      string `json:"error_type"`
	ErrorValue     string `json:"error_value"`
	SpikeCount     uint64 `json:"spike_count"`
	WindowMinutes  int    `json:"window_minutes"`
}

type ContextBuiltPayload struct {
	ErrorCount       uint64   `json:"error_count"`
	TimeRangeMinutes int      `json:"time_range_minutes"`
	Services         []string `json:"services"`
	HasDeployInfo    bool     `json:"has_deploy_info"`
	HasCodeContext   bool     `json:"has_code_context"`
	ContextSummary   string   `json:"context_summary"`
}

type RootCauseProposedPayload struct {
	Hypothesis   string   `json:"hypothesis"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

type FixType string

const (
	FixTypeCode     FixType = "code"
	FixTypeConfig   FixType = "config"
	FixTypeRollback FixType = "rollback"
)

type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

type FixProposedPayload struct {
	Description string     `json:"description"`
	Files       []FileDiff `json:"files"`
	FixType     FixType    `json:"fix_type"`
}

type FixAppliedPayload struct {
	PRURL    string `json:"pr_url"`
	PRNumber int    `json:"pr_number"`
	MergeSHA string `json:"merge_sha,omitempty"`
}

// SuggestionType is the kind of telemetry an instrumentation suggestion adds.
type SuggestionType string

const (
	SuggestionLog    SuggestionType = "log"
	SuggestionMetric SuggestionType = "metric"
	SuggestionTrace  SuggestionType = "trace"
)

type InstrumentationSuggestion struct {
	Type        SuggestionType `json:"type"`
	File        string         `json:"file"`
	Description string         `json:"description"`
}

type InstrumentationProposedPayload struct {
	Suggestions []InstrumentationSuggestion `json:"suggestions"`
}

type EvaluationCompletedPayload struct {
	Pass          bool    `json:"pass"`
	PreErrorRate  float64 `json:"pre_error_rate"`
	PostErrorRate float64 `json:"post_error_rate"`
	Assessment    string  `json:"assessment"`
}

type IncidentResolvedPayload struct {
	ResolutionSummary string `json:"resolution_summary"`
}

type IncidentSuppressedPayload struct {
	Reason          string `json:"reason"`
	MatchingPattern string `json:"matching_pattern,omitempty"`
}

// UnknownPayload carries the raw body of an event whose discriminant this
// build does not recognize.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (*IncidentDetectedPayload) EventType() EventType        { return EventIncidentDetected }
func (*ContextBuiltPayload) EventType() EventType            { return EventContextBuilt }
func (*RootCauseProposedPayload) EventType() EventType       { return EventRootCauseProposed }
func (*FixProposedPayload) EventType() EventType             { return EventFixProposed }
func (*FixAppliedPayload) EventType() EventType              { return EventFixApplied }
func (*InstrumentationProposedPayload) EventType() EventType { return EventInstrumentationProposed }
func (*EvaluationCompletedPayload) EventType() EventType     { return EventEvaluationCompleted }
func (*IncidentResolvedPayload) EventType() EventType        { return EventIncidentResolved }
func (*IncidentSuppressedPayload) EventType() EventType      { return EventIncidentSuppressed }
func (p *UnknownPayload) EventType() EventType               { return p.Type }

func (p *IncidentDetectedPayload) Accept(v PayloadVisitor) error {
	return v.VisitIncidentDetected(p)
}

func (p *ContextBuiltPayload) Accept(v PayloadVisitor) error {
	return v.VisitContextBuilt(p)
}

func (p *RootCauseProposedPayload) Accept(v PayloadVisitor) error {
	return v.VisitRootCauseProposed(p)
}

func (p *FixProposedPayload) Accept(v PayloadVisitor) error {
	return v.VisitFixProposed(p)
}

func (p *FixAppliedPayload) Accept(v PayloadVisitor) error {
	return v.VisitFixApplied(p)
}

func (p *InstrumentationProposedPayload) Accept(v PayloadVisitor) error {
	return v.VisitInstrumentationProposed(p)
}

func (p *EvaluationCompletedPayload) Accept(v PayloadVisitor) error {
	return v.VisitEvaluationCompleted(p)
}

func (p *IncidentResolvedPayload) Accept(v PayloadVisitor) error {
	return v.VisitIncidentResolved(p)
}

func (p *IncidentSuppressedPayload) Accept(v PayloadVisitor) error {
	return v.VisitIncidentSuppressed(p)
}

func (p *UnknownPayload) Accept(v PayloadVisitor) error {
	return v.VisitUnknown(p)
}

func (*IncidentDetectedPayload) isPayload()        {}
func (*ContextBuiltPayload) isPayload()            {}
func (*RootCauseProposedPayload) isPayload()       {}
func (*FixProposedPayload) isPayload()             {}
func (*FixAppliedPayload) isPayload()              {}
func (*InstrumentationProposedPayload) isPayload() {}
func (*EvaluationCompletedPayload) isPayload()     {}
func (*IncidentResolvedPayload) isPayload()        {}
func (*IncidentSuppressedPayload) isPayload()      {}
func (*UnknownPayload) isPayload()                 {}
