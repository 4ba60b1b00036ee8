// Package gemini implements the s2s.Provider interface for Google's Gemini
// Live API.
//
// Sessions run over the BidiGenerateContent WebSocket. Gemini has no input
// buffer to commit and no explicit response request: with server VAD it
// answers on its own, and with VAD disabled every commit closes an activity
// window (activityStart ... activityEnd) that the model answers. Model turns
// are surfaced as responses with synthetic ids, one per turn.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultSampleRate = 24000

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	eventBuffer       = 64
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Voices are the prebuilt Gemini voices. A session voice outside this list is
// not sent, so the model default applies.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}

var errSessionClosed = errors.New("gemini: session closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the WebSocket endpoint, e.g. to point at a test
// server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIBaseURL overrides the REST endpoint used by [Provider.Ping].
func WithAPIBaseURL(url string) Option {
	return func(p *Provider) { p.apiBaseURL = url }
}

// WithVoice forces a voice regardless of the session config.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithSampleRate declares the input PCM16 sample rate. Default: 24000.
func WithSampleRate(hz int) Option {
	return func(p *Provider) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithParseErrorHandler registers a callback for server messages that cannot
// be decoded. They are dropped either way.
func WithParseErrorHandler(fn func(error)) Option {
	return func(p *Provider) { p.onParseError = fn }
}

// Provider implements s2s.Provider for the Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	apiBaseURL   string
	voice        string
	sampleRate   int
	onParseError func(error)
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured Live model.
func (p *Provider) Model() string { return p.model }

// Ping checks that the key can see the configured model.
func (p *Provider) Ping(ctx context.Context) error {
	cc := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
	if p.apiBaseURL != "" {
		cc.HTTPOptions.BaseURL = p.apiBaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("gemini: client: %w", err)
	}
	if _, err := client.Models.Get(ctx, p.model, nil); err != nil {
		return fmt.Errorf("gemini: get model %q: %w", p.model, err)
	}
	return nil
}

// Connect dials the Live endpoint and sends the setup message. The
// setupComplete reply arrives as [s2s.EventSessionUpdated].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	url := p.baseURL + bidiPath + "?key=" + p.apiKey
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	setup := p.setupFor(cfg)
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:         conn,
		events:       make(chan s2s.Event, eventBuffer),
		mimeType:     "audio/pcm;rate=" + strconv.Itoa(p.sampleRate),
		manual:       setup.RealtimeInputConfig != nil,
		onParseError: p.onParseError,
		ctx:          sessCtx,
		cancel:       cancel,
	}
	if err := s.writeJSON(ctx, setupMessage{Setup: setup}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	Disabled          bool `json:"disabled,omitempty"`
	PrefixPaddingMs   int  `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs int  `json:"silenceDurationMs,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio         *inlineData `json:"audio,omitempty"`
	ActivityStart *struct{}   `json:"activityStart,omitempty"`
	ActivityEnd   *struct{}   `json:"activityEnd,omitempty"`
}

// setupFor maps cfg onto a Live setup. Gemini answers in a single modality:
// audio wins when requested, with its transcription standing in for text.
func (p *Provider) setupFor(cfg s2s.SessionConfig) setupConfig {
	sc := setupConfig{Model: "models/" + p.model}

	if len(cfg.Modalities) == 0 || slices.Contains(cfg.Modalities, "audio") {
		sc.GenerationConfig.ResponseModalities = []string{"AUDIO"}
		sc.OutputAudioTranscription = &struct{}{}
		voice := p.voice
		if voice == "" && slices.Contains(Voices, cfg.Voice) {
			voice = cfg.Voice
		}
		if voice != "" {
			sc.GenerationConfig.SpeechConfig = &speechConfig{}
			sc.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
		}
	} else {
		sc.GenerationConfig.ResponseModalities = []string{"TEXT"}
	}

	if cfg.Instructions != "" {
		sc.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &struct{}{}
	}

	switch td := cfg.TurnDetection; {
	case td == nil || td.Type == "none":
		sc.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: activityDetection{Disabled: true},
		}
	case td.PrefixPaddingMs > 0 || td.SilenceDurationMs > 0:
		sc.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: activityDetection{
				PrefixPaddingMs:   td.PrefixPaddingMs,
				SilenceDurationMs: td.SilenceDurationMs,
			},
		}
	}
	return sc
}

// ── Incoming messages ─────────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// errorType maps a Google RPC status onto the error types [s2s.RemoteError]
// classifies.
func errorType(status string) string {
	switch status {
	case "UNAUTHENTICATED":
		return "authentication_error"
	case "PERMISSION_DENIED":
		return "permission_error"
	case "INTERNAL", "UNAVAILABLE", "RESOURCE_EXHAUSTED":
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	events       chan s2s.Event
	mimeType     string
	manual       bool
	onParseError func(error)

	mu       sync.Mutex
	errVal   error
	closed   bool
	activity bool // manual mode: activityStart sent, activityEnd pending

	// owned by receiveLoop
	turns  int
	turnID string
	inTurn bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// receiveLoop owns the events channel and closes it on exit. A close frame
// other than a normal closure is reported as a fatal error event first; that
// is how Gemini rejects bad keys and unknown models.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.StatusNormalClosure {
				s.emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{
					Type:    "server_error",
					Code:    strconv.Itoa(int(ce.Code)),
					Message: closeReason(ce),
				}})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.parseError(fmt.Errorf("gemini: decode message: %w", err))
			continue
		}
		for _, evt := range s.translate(&msg) {
			if !s.emit(evt) {
				return
			}
		}
	}
}

func closeReason(ce websocket.CloseError) string {
	if ce.Reason != "" {
		return ce.Reason
	}
	return "connection closed with status " + ce.Code.String()
}

// translate turns one server message into relay events. It runs on the
// receive goroutine only.
func (s *session) translate(msg *serverMessage) []s2s.Event {
	var out []s2s.Event

	if msg.SetupComplete != nil {
		out = append(out, s2s.Event{Type: s2s.EventSessionUpdated})
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is closing the session soon", "time_left", msg.GoAway.TimeLeft)
	}
	if e := msg.Error; e != nil {
		re := &s2s.RemoteError{Type: errorType(e.Status), Code: e.Status, Message: e.Message}
		if re.Message == "" {
			re.Message = "unknown error"
		}
		out = append(out, s2s.Event{Type: s2s.EventError, Err: re})
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil && strings.TrimSpace(sc.InputTranscription.Text) != "" {
		out = append(out, s2s.Event{Type: s2s.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Type: s2s.EventSpeechStarted})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil:
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					s.parseError(fmt.Errorf("gemini: decode audio: %w", err))
					continue
				}
				if len(pcm) == 0 {
					continue
				}
				out = s.openTurn(out)
				out = append(out, s2s.Event{Type: s2s.EventAudioDelta, ResponseID: s.turnID, Audio: pcm})
			case p.Text != "":
				out = s.openTurn(out)
				out = append(out, s2s.Event{Type: s2s.EventTranscriptDelta, ResponseID: s.turnID, Text: p.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = s.openTurn(out)
		out = append(out, s2s.Event{Type: s2s.EventTranscriptDelta, ResponseID: s.turnID, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete && s.inTurn {
		out = append(out, s2s.Event{Type: s2s.EventResponseDone, ResponseID: s.turnID})
		s.inTurn = false
	}
	return out
}

// openTurn starts a synthetic response on the first output of a model turn.
func (s *session) openTurn(out []s2s.Event) []s2s.Event {
	if s.inTurn {
		return out
	}
	s.turns++
	s.turnID = "turn-" + strconv.Itoa(s.turns)
	s.inTurn = true
	return append(out, s2s.Event{Type: s2s.EventResponseCreated, ResponseID: s.turnID})
}

func (s *session) emit(evt s2s.Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(ctx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) parseError(err error) {
	slog.Warn("gemini: dropping malformed server message", "err", err)
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

// ── SessionHandle ─────────────────────────────────────────────────────────────

// AppendAudio streams pcm. With VAD disabled the first chunk after a commit
// opens a new activity window.
func (s *session) AppendAudio(ctx context.Context, pcm []byte) error {
	if s.manual {
		s.mu.Lock()
		open := s.activity
		s.activity = true
		s.mu.Unlock()
		if !open {
			if err := s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}}); err != nil {
				return err
			}
		}
	}
	return s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{
		Audio: &inlineData{MIMEType: s.mimeType, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

// Commit ends the open activity window with VAD disabled. With server VAD
// Gemini segments the stream itself and Commit sends nothing.
func (s *session) Commit(ctx context.Context) error {
	if !s.manual {
		return nil
	}
	s.mu.Lock()
	open := s.activity
	s.activity = false
	s.mu.Unlock()
	if !open {
		return nil
	}
	return s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
}

// CreateResponse sends nothing: Gemini answers every finished turn
// unprompted.
func (s *session) CreateResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close ends the session. Idempotent.
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
