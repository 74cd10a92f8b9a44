package protocol

import "time"

// AudioFrame carries caller-captured PCM for push-mode sessions.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a partial or final transcript broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionError reports a terminal recording failure.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Sequence  uint64    `json:"sequence"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InitRequest is the payload of the init_recognizer call.
type InitRequest struct {
	ModelPath string `json:"model_path,omitempty"`
	Language  string `json:"language,omitempty"`
}

// FeedRequest is the payload of the feed_audio call.
type FeedRequest struct {
	PCM []byte `json:"pcm"`
}

// Reply answers every call subject. OK mirrors the boolean success flag of
// the lifecycle calls; Code is set whenever Error is.
type Reply struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionError      = "stt.error"
	SubjectCallPrefix        = "stt.call"
)

const (
	MethodInitRecognizer    = "init_recognizer"
	MethodStartStream       = "start_stream"
	MethodStartRecording    = "start_recording"
	MethodStopRecording     = "stop_recording"
	MethodFeedAudio         = "feed_audio"
	MethodGetPartialResult  = "get_partial_result"
	MethodStopStream        = "stop_stream"
	MethodDestroyRecognizer = "destroy_recognizer"
)

// Methods lists every call served under SubjectCallPrefix.
var Methods = []string{
	MethodInitRecognizer,
	MethodStartStream,
	MethodStartRecording,
	MethodStopRecording,
	MethodFeedAudio,
	MethodGetPartialResult,
	MethodStopStream,
	MethodDestroyRecognizer,
}
