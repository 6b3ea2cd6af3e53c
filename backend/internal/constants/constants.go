package constants

// Channel names passed to the brain
const (
	// ChannelVoice is used for both streaming and turn-based phone calls
	ChannelVoice = "voice"
)

// Voice defaults
const (
	// DefaultLanguage is the conversation language when none is configured
	DefaultLanguage = "de"

	// DefaultVoicePreset is used when a tenant has no voice preset of its own
	DefaultVoicePreset = "SwissProfessionalDE"

	// ApologyText is spoken when a fallback turn fails
	ApologyText = "Entschuldigung, ich habe Sie nicht verstanden. Bitte wiederholen Sie."

	// DefaultGreeting is used when a tenant has no greeting configured
	DefaultGreeting = "Grüezi, wie kann ich Ihnen helfen?"
)

// Language codes accepted by the fallback pipeline
const (
	LanguageCodeGerman  = "de"
	LanguageCodeEnglish = "en"
	LanguageCodeFrench  = "fr"
	LanguageCodeItalian = "it"
)

// Bridge constants
const (
	// ThroughputLogBytes spaces the inbound throughput log lines
	ThroughputLogBytes = 16000

	// CloseReasonShutdown is used by Cleanup
	CloseReasonShutdown = "service shutdown"

	// CloseReasonEngineFailed is used when reconnects are exhausted
	CloseReasonEngineFailed = "engine connection failed"

	// CloseReasonIdentity is used when a call has no tenant or agent
	CloseReasonIdentity = "identity unresolved"

	// CloseReasonOperator is used by the admin API
	CloseReasonOperator = "operator request"

	// CloseReasonDuplicate closes a second stream for an already bridged call
	CloseReasonDuplicate = "duplicate stream"
)
