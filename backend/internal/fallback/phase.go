package fallback

// Phase is the pipeline position of one call
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTranscribing
	PhaseGenerating
	PhaseSynthesizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseGenerating:
		return "generating"
	case PhaseSynthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}
