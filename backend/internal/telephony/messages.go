package telephony

// Event names on the media stream wire
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventMark  = "mark"
)

// Track names
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Frame is one JSON text frame of the media stream protocol
type Frame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload is sent once when the stream begins
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           Tracks            `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Tracks holds per-direction track metadata
type Tracks struct {
	Inbound  *TrackInfo `json:"inbound,omitempty"`
	Outbound *TrackInfo `json:"outbound,omitempty"`
}

// TrackInfo describes the encoding of one direction
type TrackInfo struct {
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// MediaPayload carries one base64 audio chunk
type MediaPayload struct {
	Payload   string `json:"payload"`
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StopPayload is sent when the stream ends
type StopPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid,omitempty"`
}

// MarkPayload echoes a named playback marker
type MarkPayload struct {
	Name      string `json:"name,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StartInfo is what the handler learns when a stream starts
type StartInfo struct {
	CallID           string
	StreamID         string
	Tracks           Tracks
	CustomParameters map[string]string
}

// DialedNumber returns the number the caller dialed, carried as the "to"
// custom parameter. Empty when the stream did not attach one.
func (s StartInfo) DialedNumber() string {
	return s.CustomParameters["to"]
}
