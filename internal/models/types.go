package models

// Inbound request from the chat transport
type DispatchRequest struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	OriginID  string `json:"origin_id,omitempty"`
	Text      string `json:"text"`
}

// Action provenance
const (
	ProvenanceMatched  = "matched"  // produced by the deterministic matcher
	ProvenanceInferred = "inferred" // produced by the completion fallback
)

// Action is a validated, dispatchable instruction. Name always refers to a
// catalog entry; Parameters must satisfy that entry's schema before dispatch.
type Action struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
	Provenance string            `json:"provenance"`
}

// Result types returned to the chat transport
const (
	ResultFunction = "function"
	ResultText     = "text"
	ResultError    = "error"
)

// DispatchResult is what the transport renders or executes. Rejected marks a
// rate-limited "try later" text result so callers can tell it apart from a
// normal reply without a dedicated result type.
type DispatchResult struct {
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Message    string            `json:"message,omitempty"`
	Provenance string            `json:"provenance,omitempty"`
	Rejected   bool              `json:"rejected,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
}

// NLPResult is the intent matcher's verdict for one input text.
type NLPResult struct {
	IsOperation bool              `json:"is_operation"`
	Confidence  float64           `json:"confidence"`
	Intent      string            `json:"intent"`
	Entities    map[string]string `json:"entities,omitempty"`
	Action      *Action           `json:"action,omitempty"`
}

// Context message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Normalization stages recorded in telemetry, one per outcome.
const (
	StageToolCall  = "tool_call" // strict structured function-call decode
	StageExtracted = "extracted" // lenient JSON extraction from free text
	StagePromoted  = "promoted"  // free text promoted by secondary rules
	StageDefault   = "default"   // typed default-value repair applied
	StageText      = "text"      // plain text, no structure found
	StageOffline   = "offline"   // offline responder, provider unavailable
)

// Error codes carried on error results
const (
	ErrorValidation = "VALIDATION_ERROR"
	ErrorParseError = "PARSE_ERROR"
	ErrorInternal   = "INTERNAL_ERROR"
)
