package domain

// FinishKind is the category of a finish reason.
type FinishKind string

const (
	FinishStop          FinishKind = "stop"
	FinishLength        FinishKind = "length"
	FinishToolCalls     FinishKind = "tool-calls"
	FinishContentFilter FinishKind = "content-filter"
	FinishStopSequence  FinishKind = "stop-sequence"
	FinishError         FinishKind = "error"
	FinishOther         FinishKind = "other"
	FinishUnknown       FinishKind = "unknown"
)

// FinishReason explains why a turn ended. Raw keeps the vendor value for
// FinishOther.
type FinishReason struct {
	Kind FinishKind `json:"kind"`
	Raw  string     `json:"raw,omitempty"`
}

// Finish returns a finish reason of the given kind.
func Finish(kind FinishKind) *FinishReason {
	return &FinishReason{Kind: kind}
}

// OtherFinish returns an "other" finish reason carrying the raw vendor value.
func OtherFinish(raw string) *FinishReason {
	return &FinishReason{Kind: FinishOther, Raw: raw}
}

// Unified returns the unified lower-case finish value. stop-sequence
// unifies to stop.
func (f *FinishReason) Unified() string {
	if f == nil {
		return string(FinishUnknown)
	}
	switch f.Kind {
	case FinishStopSequence:
		return string(FinishStop)
	case "":
		return string(FinishUnknown)
	default:
		return string(f.Kind)
	}
}
