package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonInvalidInput     ReasonCode = "invalid_input"
	ReasonUpstream         ReasonCode = "upstream"
	ReasonUpstreamConnect  ReasonCode = "upstream_connect"
	ReasonStreamAborted    ReasonCode = "stream_aborted"
	ReasonSynthesisTimeout ReasonCode = "synthesis_timeout"
	ReasonCircuitOpen      ReasonCode = "circuit_open"

	ReasonMalformedMessage ReasonCode = "malformed_message"
	ReasonMediaSinkFault   ReasonCode = "media_sink_fault"

	ReasonSocketConnect ReasonCode = "socket_connect"
	ReasonSocketSend    ReasonCode = "socket_send"

	ReasonCameraCapture ReasonCode = "camera_capture"
	ReasonCameraUpload  ReasonCode = "camera_upload"

	ReasonSpeechConnect ReasonCode = "speech_connect"
)
