// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks through explicit
// input_audio_buffer.append events; the caller decides when to commit and
// when to request a response. Server events are normalised into [s2s.Event]
// values. Malformed server events are logged and dropped.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 64

	// responseEventPrefix starts the event id of every response.create.
	responseEventPrefix = "relay_response_"
)

// errSessionClosed is returned by write methods after Close.
var errSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIBaseURL overrides the REST API base URL used by [Provider.Ping].
func WithAPIBaseURL(url string) Option {
	return func(p *Provider) { p.apiBaseURL = url }
}

// WithParseErrorHandler registers a callback invoked for every server event
// that cannot be decoded. The event is dropped either way.
func WithParseErrorHandler(fn func(error)) Option {
	return func(p *Provider) { p.onParseError = fn }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	apiBaseURL   string
	onParseError func(error)
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured realtime model name.
func (p *Provider) Model() string { return p.model }

// Ping verifies that the API key is accepted and the configured model is
// visible to it. It is intended for readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	reqOpts := []option.RequestOption{option.WithAPIKey(p.apiKey)}
	if p.apiBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.apiBaseURL))
	}
	client := oai.NewClient(reqOpts...)
	if _, err := client.Models.Get(ctx, p.model); err != nil {
		return fmt.Errorf("openai: get model %q: %w", p.model, err)
	}
	return nil
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The session.update message is sent before Connect returns;
// the acknowledging session.updated arrives as an [s2s.EventSessionUpdated].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Translated audio deltas can be large; the default 32 KiB limit is too
	// small for a second of base64 PCM16.
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		events:       make(chan s2s.Event, eventBuffer),
		onParseError: p.onParseError,
		ctx:          sessCtx,
		cancel:       sessCancel,
	}

	if err := sess.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: toSessionParams(cfg)}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	// No omitempty: an explicit null disables server VAD.
	TurnDetection *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.created / response.done
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`

	// response.* deltas
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func toSessionParams(cfg s2s.SessionConfig) sessionParams {
	params := sessionParams{
		Modalities:        cfg.Modalities,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
	}
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = "pcm16"
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = "pcm16"
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if td := cfg.TurnDetection; td != nil {
		params.TurnDetection = &turnDetectionParams{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	return params
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	events       chan s2s.Event
	onParseError func(error)

	// responses numbers response.create event ids.
	responses atomic.Int64

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is bounded by both ctx and the session lifetime.
func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		evt, ok, err := decodeServerEvent(data)
		if err != nil {
			s.parseError(err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

// decodeServerEvent converts one raw server message into an [s2s.Event].
// It returns ok=false for event types the relay does not consume.
func decodeServerEvent(data []byte) (s2s.Event, bool, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return s2s.Event{}, false, fmt.Errorf("openai: decode event: %w", err)
	}

	switch raw.Type {
	case "session.updated":
		return s2s.Event{Type: s2s.EventSessionUpdated}, true, nil

	case "response.created":
		return s2s.Event{Type: s2s.EventResponseCreated, ResponseID: raw.responseID()}, true, nil

	case "response.audio.delta":
		if raw.Delta == "" {
			return s2s.Event{}, false, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return s2s.Event{}, false, fmt.Errorf("openai: decode audio delta: %w", err)
		}
		return s2s.Event{Type: s2s.EventAudioDelta, ResponseID: raw.ResponseID, Audio: pcm}, true, nil

	case "response.audio_transcript.delta", "response.text.delta":
		if raw.Delta == "" {
			return s2s.Event{}, false, nil
		}
		return s2s.Event{Type: s2s.EventTranscriptDelta, ResponseID: raw.ResponseID, Text: raw.Delta}, true, nil

	case "conversation.item.input_audio_transcription.completed":
		if raw.Transcript == "" {
			return s2s.Event{}, false, nil
		}
		return s2s.Event{Type: s2s.EventInputTranscript, Text: raw.Transcript}, true, nil

	case "input_audio_buffer.speech_started":
		return s2s.Event{Type: s2s.EventSpeechStarted}, true, nil

	case "input_audio_buffer.speech_stopped":
		return s2s.Event{Type: s2s.EventSpeechStopped}, true, nil

	case "response.done":
		return s2s.Event{Type: s2s.EventResponseDone, ResponseID: raw.responseID()}, true, nil

	case "error":
		re := &s2s.RemoteError{Message: "unknown error"}
		if raw.Error != nil {
			re.Type = raw.Error.Type
			re.Code = raw.Error.Code
			if raw.Error.Message != "" {
				re.Message = raw.Error.Message
			}
			if strings.HasPrefix(raw.Error.EventID, responseEventPrefix) ||
				raw.Error.Code == "conversation_already_has_active_response" {
				re.Request = s2s.RequestCreateResponse
			}
		}
		return s2s.Event{Type: s2s.EventError, Err: re}, true, nil
	}
	return s2s.Event{}, false, nil
}

func (e *serverEvent) responseID() string {
	if e.Response != nil {
		return e.Response.ID
	}
	return e.ResponseID
}

func (s *session) parseError(err error) {
	slog.Warn("openai: dropping malformed server event", "err", err)
	if s.onParseError != nil {
		s.onParseError(err)
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// AppendAudio delivers a raw PCM16 chunk into the remote input buffer.
func (s *session) AppendAudio(ctx context.Context, pcm []byte) error {
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	return s.writeJSON(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// CreateResponse sends response.create. Its event id lets a later error
// event be traced back to the request.
func (s *session) CreateResponse(ctx context.Context) error {
	return s.writeJSON(ctx, typeOnlyMessage{
		Type:    "response.create",
		EventID: fmt.Sprintf("%s%d", responseEventPrefix, s.responses.Add(1)),
	})
}

// Events returns the channel on which normalised server events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
