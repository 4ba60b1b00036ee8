// Package s2s defines the Provider interface for Speech-to-Speech (S2S)
// translation backends.
//
// An S2S provider wraps a real-time voice service that accepts raw PCM audio
// and answers with translated speech and text in a single, stateful session.
// The relay pushes audio in explicitly framed appends, decides itself when to
// commit the input buffer and when to ask for a response, and consumes a
// normalised stream of [Event] values in return.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"
)

// TurnDetection configures the remote peer's voice-activity detection.
type TurnDetection struct {
	// Type selects the detector, e.g. "server_vad".
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is the silence needed to end a speech segment.
	SilenceDurationMs int
}

// SessionConfig is the configuration sent once per session on connect.
type SessionConfig struct {
	// Modalities lists the output modalities, e.g. ["text", "audio"].
	Modalities []string

	// Instructions is the free-text behaviour prompt (target language, tone).
	Instructions string

	// Voice is the provider-specific voice identifier.
	Voice string

	// InputAudioFormat and OutputAudioFormat name the wire audio format.
	// The relay only speaks "pcm16".
	InputAudioFormat  string
	OutputAudioFormat string

	// TranscriptionModel enables transcription of the input audio when set.
	TranscriptionModel string

	// TurnDetection configures remote VAD. Nil disables it.
	TurnDetection *TurnDetection
}

// EventType tags a remote [Event].
type EventType int

const (
	// EventSessionUpdated confirms the session configuration was accepted.
	EventSessionUpdated EventType = iota + 1

	// EventResponseCreated marks the start of a generated response.
	EventResponseCreated

	// EventAudioDelta carries a chunk of translated PCM audio.
	EventAudioDelta

	// EventTranscriptDelta carries a chunk of the translated text.
	EventTranscriptDelta

	// EventInputTranscript carries the transcription of the user's speech.
	EventInputTranscript

	// EventSpeechStarted and EventSpeechStopped report remote VAD boundaries.
	EventSpeechStarted
	EventSpeechStopped

	// EventResponseDone marks the end of a generated response.
	EventResponseDone

	// EventError carries a protocol error reported by the remote peer.
	EventError
)

// String returns the event type name used in logs and metrics.
func (t EventType) String() string {
	switch t {
	case EventSessionUpdated:
		return "session_updated"
	case EventResponseCreated:
		return "response_created"
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventInputTranscript:
		return "input_transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a remote peer event normalised across providers.
type Event struct {
	Type EventType

	// ResponseID identifies the response an event belongs to. Providers that
	// do not expose ids leave it empty.
	ResponseID string

	// Audio holds decoded PCM for EventAudioDelta.
	Audio []byte

	// Text holds the delta or transcript for text-bearing events.
	Text string

	// Err is set for EventError.
	Err *RemoteError
}

// RequestCreateResponse marks a [RemoteError] caused by a response request.
const RequestCreateResponse = "create_response"

// RemoteError is an error reported in-band by the remote peer.
type RemoteError struct {
	Type    string
	Code    string
	Message string

	// Request names the client request the error refers to, such as
	// [RequestCreateResponse]. Empty when the peer does not say.
	Request string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// Fatal reports whether the error leaves the remote session unusable.
// Request-level validation errors (for example committing an empty buffer)
// are recoverable; authentication, server and session-expiry errors are not.
func (e *RemoteError) Fatal() bool {
	switch e.Type {
	case "authentication_error", "server_error", "permission_error":
		return true
	}
	switch e.Code {
	case "session_expired", "invalid_api_key":
		return true
	}
	return false
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live provider.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// AppendAudio sends one chunk of raw PCM into the remote input buffer.
	AppendAudio(ctx context.Context, pcm []byte) error

	// Commit tells the remote peer the buffered input audio is complete.
	Commit(ctx context.Context) error

	// CreateResponse asks the remote peer to generate a response for the
	// committed audio.
	CreateResponse(ctx context.Context) error

	// Events returns the channel of remote events. It is closed when the
	// session ends; check Err afterwards.
	Events() <-chan Event

	// Err returns the transport error that ended the session, or nil when the
	// session was closed locally.
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session and sends cfg. The session becomes
	// usable once an EventSessionUpdated is delivered on Events.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
