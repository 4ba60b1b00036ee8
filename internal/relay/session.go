package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrSessionNotActive is reported to a client that sends audio before the
// remote peer accepted the session or after it stopped.
var ErrSessionNotActive = errors.New("relay: session not active")

// commandQueueSize bounds the backlog between the readers and the mutator.
const commandQueueSize = 64

// ClientConn is the client side of a session.
type ClientConn interface {
	// Read blocks for the next client frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message to the client.
	Write(ctx context.Context, msg ServerMessage) error

	// Close ends the client connection normally.
	Close(reason string) error
}

// Settings are the audio framing and timing limits of a session.
type Settings struct {
	Format         audio.Format
	FrameSize      int
	Thresholds     Thresholds
	CloseGrace     time.Duration
	ConnectTimeout time.Duration
}

// SettingsFromConfig derives byte sizes from the configured durations.
func SettingsFromConfig(a config.AudioConfig) Settings {
	f := a.Format()
	return Settings{
		Format:         f,
		FrameSize:      f.BytesFor(a.FrameDurationMs),
		Thresholds:     ThresholdsFor(f, a.CommitInterval, a.FlushFloorMs, a.CommitFloorMs),
		CloseGrace:     a.CloseGrace,
		ConnectTimeout: a.ConnectTimeout,
	}
}

// SessionInfo is a point-in-time view of a [Session].
type SessionInfo struct {
	ConnID    string `json:"conn_id"`
	SessionID string `json:"session_id,omitempty"`
	State     State  `json:"state"`

	// ResponseInProgress is true while a response is generated or has been
	// requested and not yet confirmed.
	ResponseInProgress bool `json:"response_in_progress"`

	SentSinceCommit int       `json:"sent_since_commit"`
	Pending         int       `json:"pending_bytes"`
	StartedAt       time.Time `json:"started_at"`
}

// ── Options ──────────────────────────────────────────────────────────────────

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithRegistry makes the session remove itself from r when it closes.
func WithRegistry(r *Registry) SessionOption {
	return func(s *Session) { s.registry = r }
}

// WithClock replaces time.Now for commit timing.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// ── Session ──────────────────────────────────────────────────────────────────

type cmdKind int

const (
	cmdClientMessage cmdKind = iota
	cmdClientGone
	cmdRemoteEvent
	cmdRemoteGone
)

// command is one unit of work for the mutator.
type command struct {
	kind   cmdKind
	msg    ClientMessage
	err    error
	event  s2s.Event
	remote s2s.SessionHandle
}

// Session relays one client connection to one remote translation session.
//
// A client reader and a remote reader push commands onto a queue; a single
// mutator goroutine applies them in arrival order. The commit check runs on
// every audio chunk inside the mutator.
type Session struct {
	connID   string
	client   ClientConn
	provider s2s.Provider
	template func() s2s.SessionConfig
	settings Settings
	registry *Registry
	metrics  *observe.Metrics
	now      func() time.Time

	cmds     chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// grace fires when the close grace after stop has passed. Mutator only.
	grace <-chan time.Time

	// handshake fires when the connect timeout passes before the remote peer
	// confirms the session. Mutator only.
	handshake <-chan time.Time

	// Set by Run before any goroutine starts.
	group *errgroup.Group
	span  trace.Span

	mu                sync.Mutex
	log               *slog.Logger
	state             State
	sessionID         string
	remote            s2s.SessionHandle
	remoteClosed      bool
	frames            *audio.FrameBuffer
	scheduler         *Scheduler
	events            *EventRelay
	sentSinceCommit   int
	lastCommit        time.Time
	responseRequested bool
	requestedAt       time.Time
	startedAt         time.Time
	clientGone        bool
}

// NewSession creates an idle session for the client connection connID.
// template is called once on init to get the remote session config, so
// configuration reloads apply to new sessions only.
func NewSession(connID string, client ClientConn, provider s2s.Provider, template func() s2s.SessionConfig, settings Settings, opts ...SessionOption) *Session {
	s := &Session{
		connID:    connID,
		client:    client,
		provider:  provider,
		template:  template,
		settings:  settings,
		now:       time.Now,
		cmds:      make(chan command, commandQueueSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		log:       slog.Default().With("conn_id", connID),
		frames:    audio.NewFrameBuffer(settings.FrameSize),
		scheduler: NewScheduler(settings.Thresholds),
		events:    NewEventRelay(),
		span:      trace.SpanFromContext(context.Background()),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.startedAt = s.now()
	return s
}

// ConnID returns the connection id the session was created with.
func (s *Session) ConnID() string { return s.connID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ConnID:             s.connID,
		SessionID:          s.sessionID,
		State:              s.state,
		ResponseInProgress: s.events.InProgress() || s.responseRequested,
		SentSinceCommit:    s.sentSinceCommit,
		Pending:            s.frames.Len(),
		StartedAt:          s.startedAt,
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to stop as if the client had sent stop. It returns
// immediately. Calling Stop on a stopped or closed session is a no-op.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run drives the session until it is closed. It returns after the remote
// connection is closed and the client connection is released. Run must be
// called at most once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithAttributes(attribute.String("relay.conn_id", s.connID)),
	)
	defer span.End()
	s.span = span

	s.mu.Lock()
	s.log = observe.Logger(ctx).With("conn_id", s.connID)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.readClient(gctx) })
	g.Go(func() error {
		defer cancel()
		return s.mutate(gctx)
	})
	return g.Wait()
}

// ── Readers ──────────────────────────────────────────────────────────────────

func (s *Session) enqueue(ctx context.Context, cmd command) bool {
	select {
	case s.cmds <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) readClient(ctx context.Context) error {
	for {
		data, err := s.client.Read(ctx)
		if err != nil {
			s.enqueue(ctx, command{kind: cmdClientGone, err: err})
			return nil
		}
		msg, err := DecodeClientMessage(data)
		if !s.enqueue(ctx, command{kind: cmdClientMessage, msg: msg, err: err}) {
			return nil
		}
	}
}

func (s *Session) readRemote(ctx context.Context, remote s2s.SessionHandle) error {
	events := remote.Events()
	for evt := range events {
		if !s.enqueue(ctx, command{kind: cmdRemoteEvent, event: evt, remote: remote}) {
			// The mutator closes the remote on its way out, which ends the stream.
			audio.Drain(events)
			return nil
		}
	}
	s.enqueue(ctx, command{kind: cmdRemoteGone, err: remote.Err(), remote: remote})
	return nil
}

// ── Mutator ──────────────────────────────────────────────────────────────────

func (s *Session) mutate(ctx context.Context) error {
	defer s.release(ctx)

	stopCh := s.stopCh
	for {
		select {
		case <-ctx.Done():
			s.stop(ctx, "context cancelled")
			if s.grace != nil {
				<-s.grace
			}
			s.finish(ctx)
			return nil
		case <-stopCh:
			stopCh = nil
			s.stop(ctx, "stop requested")
		case <-s.grace:
			s.finish(ctx)
		case <-s.handshake:
			s.handshakeExpired(ctx)
		case cmd := <-s.cmds:
			s.handle(ctx, cmd)
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

func (s *Session) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdClientMessage:
		if cmd.err != nil {
			s.clientError(ctx, cmd.err)
			return
		}
		switch cmd.msg.Type {
		case TypeInit:
			s.init(ctx, cmd.msg.SessionID)
		case TypeAudio:
			s.appendAudio(ctx, cmd.msg.Audio)
		case TypeStop:
			s.stop(ctx, "client stop")
		}

	case cmdClientGone:
		s.mu.Lock()
		s.clientGone = true
		s.log.Debug("client connection ended", "err", cmd.err)
		s.mu.Unlock()
		s.stop(ctx, "client disconnected")

	case cmdRemoteEvent:
		s.remoteEvent(ctx, cmd.remote, cmd.event)

	case cmdRemoteGone:
		s.remoteGone(ctx, cmd.remote, cmd.err)
	}
}

func (s *Session) init(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if err := checkTransition(s.state, StateConnecting); err != nil {
		s.reject(ctx, "state", fmt.Errorf("init: session already initialised: %w", err))
		s.mu.Unlock()
		return
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.sessionID = sessionID
	s.log = s.log.With("session_id", sessionID)
	s.span.SetAttributes(attribute.String("relay.session_id", sessionID))
	s.setState(ctx, StateConnecting)
	if s.settings.ConnectTimeout > 0 {
		s.handshake = time.After(s.settings.ConnectTimeout)
	}
	s.mu.Unlock()

	// Connect runs unlocked; only the mutator writes session state.
	cctx := ctx
	if s.settings.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.settings.ConnectTimeout)
		defer cancel()
	}
	remote, err := s.provider.Connect(cctx, s.template())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.fail(ctx, "connect to translation service", err)
		return
	}
	s.remote = remote
	s.log.Info("remote session opened")
	s.group.Go(func() error { return s.readRemote(ctx, remote) })
}

func (s *Session) appendAudio(ctx context.Context, pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		s.reject(ctx, "state", fmt.Errorf("%w (state %s)", ErrSessionNotActive, s.state))
		return
	}
	for _, frame := range s.frames.Append(pcm) {
		if err := s.sendAudio(ctx, frame, false); err != nil {
			s.fail(ctx, "send audio", err)
			return
		}
	}
	if err := s.applyPlan(ctx, false); err != nil {
		s.fail(ctx, "commit audio", err)
	}
}

// stop moves the session to Stopping, applies the final plan and starts the
// close grace timer. The mutator keeps relaying remote events until the timer
// fires and [Session.finish] closes the remote connection. The grace wait is
// not cancellable.
func (s *Session) stop(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopping, StateClosed:
		return
	case StateIdle:
		s.send(ctx, SessionStopped(s.sessionID))
		s.setState(ctx, StateClosed)
		return
	}

	s.log.Info("stopping session", "reason", reason)
	s.handshake = nil
	s.setState(ctx, StateStopping)
	if err := s.applyPlan(ctx, true); err != nil {
		s.log.Warn("final commit failed", "err", err)
	}
	s.send(ctx, SessionStopped(s.sessionID))
	s.grace = time.After(s.settings.CloseGrace)
}

// finish closes the remote connection once the close grace has passed.
func (s *Session) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = nil
	if s.state == StateClosed {
		return
	}
	s.closeRemote()
	s.setState(ctx, StateClosed)
}

// applyPlan asks the scheduler what to do and does it. Must be called with
// s.mu held.
func (s *Session) applyPlan(ctx context.Context, final bool) error {
	if s.remote == nil {
		return nil
	}
	now := s.now()
	plan := s.scheduler.Decide(Input{
		Pending:            s.frames.Len(),
		SentSinceCommit:    s.sentSinceCommit,
		Elapsed:            now.Sub(s.lastCommit),
		ResponseInProgress: s.events.InProgress() || s.responseRequested,
		Final:              final,
	})
	if plan == (Plan{}) {
		return nil
	}

	if plan.Flush {
		if rem := s.frames.Flush(); len(rem) > 0 {
			if err := s.sendAudio(ctx, rem, true); err != nil {
				return err
			}
		}
	}
	if plan.Commit {
		if err := s.remote.Commit(ctx); err != nil {
			return err
		}
		reason := "interval"
		if final {
			reason = "stop"
		}
		s.metrics.RecordCommit(ctx, reason)
		s.sentSinceCommit = 0
		s.lastCommit = now
	}
	if plan.CreateResponse {
		if err := s.remote.CreateResponse(ctx); err != nil {
			return err
		}
		s.metrics.ResponseRequests.Add(ctx, 1)
		s.responseRequested = true
		s.requestedAt = now
	}
	s.log.Debug("commit plan applied", "plan", plan.Kind(), "final", final)
	return nil
}

func (s *Session) sendAudio(ctx context.Context, pcm []byte, partial bool) error {
	if err := s.remote.AppendAudio(ctx, pcm); err != nil {
		return err
	}
	s.sentSinceCommit += len(pcm)
	s.metrics.RecordFrameSent(ctx, len(pcm), partial)
	return nil
}

func (s *Session) remoteEvent(ctx context.Context, remote s2s.SessionHandle, evt s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remote != s.remote || s.state == StateClosed {
		return
	}
	s.metrics.RecordRemoteEvent(ctx, evt.Type.String())

	out := s.events.Apply(evt)
	switch {
	case evt.Type == s2s.EventResponseCreated:
		s.responseRequested = false
	case evt.Type == s2s.EventError && evt.Err != nil && evt.Err.Request == s2s.RequestCreateResponse:
		s.responseRequested = false
		s.requestedAt = time.Time{}
	}

	if out.Ready && s.state == StateConnecting {
		s.handshake = nil
		s.setState(ctx, StateActive)
		s.lastCommit = s.now()
		s.send(ctx, SessionReady(s.sessionID))
		s.log.Info("session ready", "format", s.settings.Format.String())
	}
	if out.Anomaly != nil {
		s.metrics.ResponseOverlaps.Add(ctx, 1)
		s.log.Warn("ignoring overlapping response", "err", out.Anomaly)
	}

	for _, msg := range out.Messages {
		s.send(ctx, msg)
	}

	if c := out.Completed; c != nil {
		s.metrics.TranslatedAudioBytes.Add(ctx, int64(c.AudioBytes))
		if !s.requestedAt.IsZero() {
			s.metrics.ResponseDuration.Record(ctx, s.now().Sub(s.requestedAt).Seconds())
			s.requestedAt = time.Time{}
		}
		s.log.Info("response completed",
			"response_id", c.ResponseID,
			"audio", s.settings.Format.Duration(c.AudioBytes),
			"text", c.Text,
		)
	}

	if evt.Type == s2s.EventError {
		s.metrics.RecordRemoteError(ctx, out.Fatal != nil)
		if out.Fatal == nil {
			s.log.Warn("remote error", "err", evt.Err)
		}
	}
	if out.Fatal != nil {
		s.terminate(ctx, out.Fatal)
	}
}

// handshakeExpired fails a session the remote peer did not confirm within
// the connect timeout, for example because it rejected the session config
// with a recoverable error.
func (s *Session) handshakeExpired(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshake = nil
	if s.state != StateConnecting {
		return
	}
	s.fail(ctx, "translation service did not confirm the session",
		fmt.Errorf("no confirmation within %s", s.settings.ConnectTimeout))
}

func (s *Session) remoteGone(ctx context.Context, remote s2s.SessionHandle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remote != s.remote {
		return
	}
	switch s.state {
	case StateConnecting, StateActive:
		if err == nil {
			err = errors.New("closed by remote peer")
		}
		s.fail(ctx, "translation service connection lost", err)
	}
}

// ── Helpers (s.mu held) ──────────────────────────────────────────────────────

// fail reports err to the client and closes the session without grace.
func (s *Session) fail(ctx context.Context, what string, err error) {
	cause := fmt.Errorf("%s: %w", what, err)
	s.send(ctx, ErrorMessage(cause.Error()))
	s.terminate(ctx, cause)
}

// terminate closes the remote connection and the session. The client must
// already have been told why.
func (s *Session) terminate(ctx context.Context, cause error) {
	s.span.RecordError(cause)
	s.span.SetStatus(codes.Error, cause.Error())
	s.log.Error("session terminated", "err", cause)
	s.closeRemote()
	s.setState(ctx, StateClosed)
}

func (s *Session) closeRemote() {
	if s.remote == nil || s.remoteClosed {
		return
	}
	s.remoteClosed = true
	if err := s.remote.Close(); err != nil {
		s.log.Debug("closing remote session", "err", err)
	}
}

func (s *Session) setState(ctx context.Context, next State) {
	if err := checkTransition(s.state, next); err != nil {
		s.log.Error("illegal session transition", "err", err)
		return
	}
	s.log.Debug("session state changed", "from", s.state.String(), "to", next.String())
	s.state = next
	s.span.AddEvent("state", trace.WithAttributes(attribute.String("relay.state", next.String())))

	if next == StateClosed {
		if s.registry != nil {
			s.registry.Remove(s.connID)
		}
		s.metrics.SessionDuration.Record(ctx, s.now().Sub(s.startedAt).Seconds())
	}
}

func (s *Session) send(ctx context.Context, msg ServerMessage) {
	if s.clientGone {
		return
	}
	if err := s.client.Write(ctx, msg); err != nil {
		s.clientGone = true
		s.log.Debug("client write failed", "type", msg.Type, "err", err)
	}
}

// clientError reports a protocol error to the client. The session continues.
func (s *Session) clientError(ctx context.Context, err error) {
	kind := "malformed"
	if errors.Is(err, ErrUnknownMessage) {
		kind = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject(ctx, kind, err)
}

func (s *Session) reject(ctx context.Context, kind string, err error) {
	s.metrics.RecordClientError(ctx, kind)
	s.log.Debug("client protocol error", "kind", kind, "err", err)
	s.send(ctx, ErrorMessage(err.Error()))
}

// release runs when the mutator exits. It makes sure the remote connection is
// closed and ends the client connection.
func (s *Session) release(context.Context) {
	s.mu.Lock()
	s.closeRemote()
	gone := s.clientGone
	s.mu.Unlock()

	if !gone {
		if err := s.client.Close("session closed"); err != nil {
			s.log.Debug("closing client connection", "err", err)
		}
	}
	s.log.Info("session closed")
}
