package contract

import "time"

// Audience selects which capabilities the oracle is offered and how patient scope is applied.
type Audience string

const (
	AudiencePatient  Audience = "patient"
	AudienceOperator Audience = "operator"
)

func (a Audience) Valid() bool {
	return a == AudiencePatient || a == AudienceOperator
}

// Principal is the already-authenticated actor of one request.
// PatientID is empty until the identity resolver has run, and stays empty for operators.
type Principal struct {
	CallerID  string   `json:"caller_id"`
	PatientID string   `json:"patient_id,omitempty"`
	Audience  Audience `json:"audience"`
}

type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a caller's conversation window.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
}

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamObject  ParamType = "object"
)

type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// CapabilitySpec is the declared schema of a capability as shown to the oracle.
type CapabilitySpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
}

type CapabilityRequest struct {
	CallID string         `json:"call_id,omitempty"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

type CapabilityResult struct {
	Success bool   `json:"success"`
	Reason  Reason `json:"reason,omitempty"`
	Summary string `json:"summary"`
	Data    any    `json:"data,omitempty"`
}

// Failure builds an unsuccessful result.
func Failure(reason Reason, summary string) CapabilityResult {
	return CapabilityResult{Success: false, Reason: reason, Summary: summary}
}

// UnknownCapability is the result for a name no handler is registered under.
func UnknownCapability() CapabilityResult {
	return Failure(ReasonUnknownCapability, "unknown capability")
}

// DecisionStep is one capability round-trip already executed in the current loop.
type DecisionStep struct {
	Request CapabilityRequest `json:"request"`
	Result  CapabilityResult  `json:"result"`
}

type DecisionRequest struct {
	Principal    Principal        `json:"principal"`
	Message      string           `json:"message"`
	Language     string           `json:"language,omitempty"`
	History      []Turn           `json:"history,omitempty"`
	Steps        []DecisionStep   `json:"steps,omitempty"`
	Capabilities []CapabilitySpec `json:"capabilities,omitempty"`
	Now          time.Time        `json:"now"`
}

// Decision is the oracle's answer for one iteration. A nil Request means stop.
type Decision struct {
	Request *CapabilityRequest `json:"request,omitempty"`
	Text    string             `json:"text,omitempty"`
}

type TraceEntry struct {
	Capability string `json:"capability"`
	Summary    string `json:"summary"`
	Success    bool   `json:"success"`
	Reason     Reason `json:"reason,omitempty"`
}

// Outcome is what the whole subsystem returns for one caller message.
type Outcome struct {
	Success          bool         `json:"success"`
	FinalText        string       `json:"final_text"`
	CapabilitiesUsed []string     `json:"capabilities_used"`
	Trace            []TraceEntry `json:"trace"`
	Truncated        bool         `json:"truncated"`
	Iterations       int          `json:"iterations"`
	Reason           Reason       `json:"reason,omitempty"`
}

type Verification struct {
	Verified        bool   `json:"verified"`
	Quantity        int    `json:"quantity,omitempty"`
	FrequencyPerDay *int   `json:"frequency_per_day,omitempty"`
	DosageText      string `json:"dosage_text,omitempty"`
	FoundIn         string `json:"found_in,omitempty"`
}

type ExtractedMedicine struct {
	Name            string `json:"name"`
	Qty             int    `json:"qty"`
	FrequencyPerDay *int   `json:"frequency_per_day,omitempty"`
	DosageText      string `json:"dosage_text,omitempty"`
}
