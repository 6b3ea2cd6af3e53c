package state

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxTopSources caps RagTelemetry.TopSources
const MaxTopSources = 5

// CallIdentity identifies one call. It is created when the telephony leg
// starts and is read-only afterwards.
type CallIdentity struct {
	CallID   string `json:"call_sid"`
	TenantID string `json:"tenant_id"` // location the dialed number belongs to
	AgentID  string `json:"agent_id"`  // speech-engine agent
}

// TranscriptSegment is one transcript fragment reported by the speech engine
type TranscriptSegment struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"is_final"`
}

// RagSource is a knowledge-base document that contributed to an answer
type RagSource struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title,omitempty"`
	FileName   string  `json:"fileName,omitempty"`
	Score      float64 `json:"score"`
}

// RagQueryStats describes a single knowledge-base lookup done by the engine
type RagQueryStats struct {
	Query         string      `json:"query,omitempty"`
	ResultCount   int         `json:"resultCount"`
	InjectedChars int         `json:"injectedChars"`
	TopSources    []RagSource `json:"topSources,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// RagTelemetry aggregates knowledge-base usage over a call
type RagTelemetry struct {
	Enabled            bool           `json:"enabled"`
	TotalQueries       int            `json:"totalQueries"`
	TotalResults       int            `json:"totalResults"`
	TotalInjectedChars int            `json:"totalInjectedChars"`
	LastQuery          *RagQueryStats `json:"lastQuery,omitempty"`
	TopSources         []RagSource    `json:"topSources"`
}

// Merge folds one query into the running totals. The top sources are
// concatenated, re-sorted by descending score and truncated to MaxTopSources.
func (t *RagTelemetry) Merge(q RagQueryStats) {
	t.Enabled = true
	t.TotalQueries++
	t.TotalResults += q.ResultCount
	t.TotalInjectedChars += q.InjectedChars

	last := q
	last.TopSources = append([]RagSource(nil), q.TopSources...)
	t.LastQuery = &last

	merged := make([]RagSource, 0, len(t.TopSources)+len(q.TopSources))
	merged = append(merged, t.TopSources...)
	merged = append(merged, q.TopSources...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > MaxTopSources {
		merged = merged[:MaxTopSources]
	}
	t.TopSources = merged
}

// Clone returns a deep copy safe to hand to another goroutine
func (t RagTelemetry) Clone() RagTelemetry {
	out := t
	out.TopSources = append([]RagSource{}, t.TopSources...)
	if t.LastQuery != nil {
		last := *t.LastQuery
		last.TopSources = append([]RagSource(nil), t.LastQuery.TopSources...)
		out.LastQuery = &last
	}
	return out
}

// MergeTranscript joins the final segments with single spaces, in order
func MergeTranscript(segments []TranscriptSegment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.IsFinal {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Validate checks that the identity can be bridged
func (c CallIdentity) Validate() error {
	if c.CallID == "" {
		return ErrInvalidCallIdentity{Field: "call_sid", Reason: "cannot be empty"}
	}
	if c.TenantID == "" {
		return ErrInvalidCallIdentity{Field: "tenant_id", Reason: "cannot be empty"}
	}
	if c.AgentID == "" {
		return ErrInvalidCallIdentity{Field: "agent_id", Reason: "cannot be empty"}
	}
	return nil
}

// Errors

type ErrInvalidCallIdentity struct {
	Field  string
	Reason string
}

func (e ErrInvalidCallIdentity) Error() string {
	return fmt.Sprintf("invalid call identity: %s - %s", e.Field, e.Reason)
}

// ToolCall is a tool invocation requested by the brain alongside its reply
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BrainReply is the brain's answer to one utterance
type BrainReply struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}
