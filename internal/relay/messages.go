package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client protocol errors. Both are reported to the originating client only;
// the session keeps running.
var (
	ErrMalformedMessage = errors.New("relay: malformed client message")
	ErrUnknownMessage   = errors.New("relay: unknown client message type")
)

// Client message types.
const (
	TypeInit  = "init"
	TypeAudio = "audio"
	TypeStop  = "stop"
)

// Server message types.
const (
	TypeSessionReady    = "session_ready"
	TypeTranslatedAudio = "translated_audio"
	TypeTranslation     = "translation"
	TypeTranscription   = "transcription"
	TypeSpeechStarted   = "speech_started"
	TypeSpeechStopped   = "speech_stopped"
	TypeSessionStopped  = "session_stopped"
	TypeError           = "error"
)

// ClientMessage is one decoded message from the client.
type ClientMessage struct {
	Type string

	// SessionID is the client-chosen id sent with init. May be empty.
	SessionID string

	// Audio is raw PCM16 for audio messages.
	Audio []byte
}

type clientEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Audio     json.RawMessage `json:"audio"`
}

// DecodeClientMessage parses one client frame. Audio may be sent either as a
// base64 string or as a JSON array of byte values.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := ClientMessage{Type: env.Type}
	switch env.Type {
	case TypeInit:
		msg.SessionID = env.SessionID
	case TypeAudio:
		pcm, err := decodeAudio(env.Audio)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: audio: %v", ErrMalformedMessage, err)
		}
		msg.Audio = pcm
	case TypeStop:
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return msg, nil
}

func decodeAudio(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("missing audio field")
	}
	switch raw[0] {
	case '"':
		var pcm []byte
		if err := json.Unmarshal(raw, &pcm); err != nil {
			return nil, err
		}
		return pcm, nil
	case '[':
		var values []int
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, err
		}
		pcm := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("byte %d out of range: %d", i, v)
			}
			pcm[i] = byte(v)
		}
		return pcm, nil
	default:
		return nil, errors.New("expected base64 string or byte array")
	}
}

// ServerMessage is one message sent to the client. Audio is encoded as
// base64 on the wire.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionReady tells the client the remote peer accepted the session.
func SessionReady(sessionID string) ServerMessage {
	return ServerMessage{Type: TypeSessionReady, SessionID: sessionID}
}

// TranslatedAudio carries the complete audio of one response.
func TranslatedAudio(pcm []byte) ServerMessage {
	return ServerMessage{Type: TypeTranslatedAudio, Audio: pcm}
}

// Translation carries an incremental piece of translated text.
func Translation(text string) ServerMessage {
	return ServerMessage{Type: TypeTranslation, Text: text}
}

// Transcription carries the transcript of the client's own speech.
func Transcription(text string) ServerMessage {
	return ServerMessage{Type: TypeTranscription, Text: text}
}

// SpeechStarted reports that remote VAD detected speech.
func SpeechStarted() ServerMessage { return ServerMessage{Type: TypeSpeechStarted} }

// SpeechStopped reports that remote VAD detected the end of speech.
func SpeechStopped() ServerMessage { return ServerMessage{Type: TypeSpeechStopped} }

// SessionStopped confirms the session was stopped.
func SessionStopped(sessionID string) ServerMessage {
	return ServerMessage{Type: TypeSessionStopped, SessionID: sessionID}
}

// ErrorMessage reports an error to the client. An empty message is replaced
// so the client always has something human-readable.
func ErrorMessage(message string) ServerMessage {
	if message == "" {
		message = "unknown error"
	}
	return ServerMessage{Type: TypeError, Message: message}
}
