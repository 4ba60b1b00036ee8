package relay_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// ── Test doubles ─────────────────────────────────────────────────────────────

type fakeClient struct {
	in  chan []byte
	out chan relay.ServerMessage

	mu          sync.Mutex
	closed      bool
	closeReason string
	inClosed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:  make(chan []byte, 16),
		out: make(chan relay.ServerMessage, 256),
	}
}

func (c *fakeClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeClient) Write(_ context.Context, msg relay.ServerMessage) error {
	c.out <- msg
	return nil
}

func (c *fakeClient) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inClosed {
		c.inClosed = true
		close(c.in)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	client   *fakeClient
	remote   *mock.Session
	provider *mock.Provider
	clock    *fakeClock
	registry *relay.Registry
	sess     *relay.Session
	cancel   context.CancelFunc
}

func testSettings(grace time.Duration) relay.Settings {
	f := audio.DefaultFormat
	return relay.Settings{
		Format:         f,
		FrameSize:      f.BytesFor(500),
		Thresholds:     relay.ThresholdsFor(f, 2*time.Second, 200, 100),
		CloseGrace:     grace,
		ConnectTimeout: time.Second,
	}
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, testSettings(grace))
}

func newHarnessWith(t *testing.T, settings relay.Settings, opts ...relay.SessionOption) *harness {
	t.Helper()
	h := &harness{
		client:   newFakeClient(),
		remote:   mock.NewSession(),
		clock:    newFakeClock(),
		registry: relay.NewRegistry(),
	}
	h.provider = &mock.Provider{Session: h.remote}
	template := func() s2s.SessionConfig {
		return s2s.SessionConfig{Voice: "alloy", InputAudioFormat: "pcm16", OutputAudioFormat: "pcm16"}
	}
	opts = append([]relay.SessionOption{
		relay.WithClock(h.clock.Now),
		relay.WithRegistry(h.registry),
	}, opts...)
	h.sess = relay.NewSession("conn-1", h.client, h.provider, template, settings, opts...)
	if !h.registry.Add(h.sess) {
		t.Fatal("registry.Add returned false")
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.sess.Done():
		case <-time.After(waitTimeout):
			t.Error("session did not finish")
		}
	})
}

func (h *harness) sendRaw(raw string) { h.client.in <- []byte(raw) }

func (h *harness) sendAudio(n int) {
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	h.sendRaw(fmt.Sprintf(`{"type":"audio","audio":%q}`, base64.StdEncoding.EncodeToString(pcm)))
}

func (h *harness) expect(t *testing.T, typ string) relay.ServerMessage {
	t.Helper()
	select {
	case msg := <-h.client.out:
		if msg.Type != typ {
			t.Fatalf("got message %+v, want type %q", msg, typ)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %q", typ)
		return relay.ServerMessage{}
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not close")
	}
}

// activate runs init and the session-updated handshake.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.sendRaw(`{"type":"init","sessionId":"s1"}`)
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	h.remote.Emit(s2s.Event{Type: s2s.EventSessionUpdated})
	msg := h.expect(t, relay.TypeSessionReady)
	if msg.SessionID != "s1" {
		t.Fatalf("session_ready id = %q, want s1", msg.SessionID)
	}
}

// requestResponse drives one periodic commit that asks for a response.
func (h *harness) requestResponse(t *testing.T) {
	t.Helper()
	before := h.remote.Count(mock.OpResponse)
	h.sendAudio(10000)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending >= 10000 })
	h.clock.Advance(2100 * time.Millisecond)
	h.sendAudio(100)
	waitFor(t, "response request", func() bool { return h.remote.Count(mock.OpResponse) == before+1 })
}

// sessionMetrics returns Metrics on a private provider and its reader.
func sessionMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums the int64 counter name across all attribute sets.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s data = %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func opKinds(ops []mock.Op) []mock.OpKind {
	kinds := make([]mock.OpKind, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind
	}
	return kinds
}

func equalKinds(got []mock.OpKind, want ...mock.OpKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestSession_InitAndReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	if got := h.sess.State(); got != relay.StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}
	h.activate(t)

	if got := h.sess.State(); got != relay.StateActive {
		t.Errorf("state after ready = %s, want active", got)
	}
	calls := h.provider.Calls()
	if cfg := calls[0].Cfg; cfg.Voice != "alloy" || cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Errorf("Connect cfg = %+v, want voice alloy with pcm16 in and out", cfg)
	}
	if info := h.sess.Info(); info.SessionID != "s1" || info.ConnID != "conn-1" {
		t.Errorf("Info = %+v", info)
	}
}

func TestSession_InitGeneratesSessionID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	h.sendRaw(`{"type":"init"}`)
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	h.remote.Emit(s2s.Event{Type: s2s.EventSessionUpdated})
	msg := h.expect(t, relay.TypeSessionReady)
	if len(msg.SessionID) != 36 {
		t.Errorf("generated session id = %q, want a uuid", msg.SessionID)
	}
}

func TestSession_SecondInitRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendRaw(`{"type":"init","sessionId":"s2"}`)
	h.expect(t, relay.TypeError)
	if n := len(h.provider.Calls()); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if got := h.sess.State(); got != relay.StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestSession_AudioBeforeActiveRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	h.sendAudio(100)
	msg := h.expect(t, relay.TypeError)
	if !strings.Contains(msg.Message, "not active") {
		t.Errorf("error message = %q, want it to mention the inactive session", msg.Message)
	}

	// Connected but not yet confirmed by the remote peer.
	h.sendRaw(`{"type":"init","sessionId":"s1"}`)
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	h.sendAudio(100)
	h.expect(t, relay.TypeError)
	if n := h.remote.Count(mock.OpAppend); n != 0 {
		t.Errorf("remote received %d appends before ready, want 0", n)
	}
}

func TestSession_MalformedMessageKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	h.sendRaw(`not json`)
	h.expect(t, relay.TypeError)
	h.sendRaw(`{"type":"rewind"}`)
	h.expect(t, relay.TypeError)

	h.activate(t)
}

func TestSession_FramesAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	for range 5 {
		h.sendAudio(5000)
	}
	waitFor(t, "pending remainder", func() bool { return h.sess.Info().Pending == 1000 })

	ops := h.remote.Ops()
	if !equalKinds(opKinds(ops), mock.OpAppend) {
		t.Fatalf("ops = %v, want one append", opKinds(ops))
	}
	if len(ops[0].Data) != 24000 {
		t.Errorf("appended %d bytes, want 24000", len(ops[0].Data))
	}
	if info := h.sess.Info(); info.SentSinceCommit != 24000 {
		t.Errorf("SentSinceCommit = %d, want 24000", info.SentSinceCommit)
	}
}

func TestSession_StopBelowCommitFloor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendAudio(3000)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending == 3000 })
	h.sendRaw(`{"type":"stop"}`)
	h.expect(t, relay.TypeSessionStopped)
	h.waitDone(t)

	ops := h.remote.Ops()
	if !equalKinds(opKinds(ops), mock.OpAppend, mock.OpClose) {
		t.Fatalf("ops = %v, want [append close]", opKinds(ops))
	}
	if len(ops[0].Data) != 3000 {
		t.Errorf("flushed %d bytes, want 3000", len(ops[0].Data))
	}
	if got := h.sess.State(); got != relay.StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if !h.client.isClosed() {
		t.Error("client connection not closed")
	}
}

func TestSession_StopAboveCommitFloor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendAudio(6000)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending == 6000 })
	h.sendRaw(`{"type":"stop"}`)
	h.expect(t, relay.TypeSessionStopped)
	h.waitDone(t)

	got := opKinds(h.remote.Ops())
	if !equalKinds(got, mock.OpAppend, mock.OpCommit, mock.OpClose) {
		t.Fatalf("ops = %v, want [append commit close] without a response", got)
	}
}

func TestSession_PeriodicCommitRequestsOneResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendAudio(10000)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending == 10000 })
	h.clock.Advance(2100 * time.Millisecond)
	h.sendAudio(100)
	waitFor(t, "first commit", func() bool { return h.remote.Count(mock.OpResponse) == 1 })

	if got := opKinds(h.remote.Ops()); !equalKinds(got, mock.OpAppend, mock.OpCommit, mock.OpResponse) {
		t.Fatalf("ops = %v, want [append commit response]", got)
	}
	if info := h.sess.Info(); !info.ResponseInProgress || info.SentSinceCommit != 0 || info.Pending != 0 {
		t.Errorf("Info after commit = %+v", info)
	}

	// A response is pending, so the next commit must not ask for another.
	h.clock.Advance(2100 * time.Millisecond)
	h.sendAudio(10000)
	waitFor(t, "second commit", func() bool { return h.remote.Count(mock.OpCommit) == 2 })
	if n := h.remote.Count(mock.OpResponse); n != 1 {
		t.Fatalf("responses = %d while one is in progress, want 1", n)
	}

	h.remote.Emit(s2s.Event{Type: s2s.EventResponseCreated, ResponseID: "r1"})
	h.remote.Emit(s2s.Event{Type: s2s.EventAudioDelta, ResponseID: "r1", Audio: []byte{1, 2}})
	h.remote.Emit(s2s.Event{Type: s2s.EventAudioDelta, ResponseID: "r1", Audio: []byte{3}})
	h.remote.Emit(s2s.Event{Type: s2s.EventResponseDone, ResponseID: "r1"})
	msg := h.expect(t, relay.TypeTranslatedAudio)
	if string(msg.Audio) != string([]byte{1, 2, 3}) {
		t.Errorf("translated audio = %v, want [1 2 3]", msg.Audio)
	}
	waitFor(t, "response finished", func() bool { return !h.sess.Info().ResponseInProgress })

	h.clock.Advance(2100 * time.Millisecond)
	h.sendAudio(10000)
	waitFor(t, "second response", func() bool { return h.remote.Count(mock.OpResponse) == 2 })
}

func TestSession_NoCommitBeforeInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendAudio(20000)
	h.clock.Advance(time.Second)
	h.sendAudio(100)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending == 20100 })
	if n := h.remote.Count(mock.OpCommit); n != 0 {
		t.Errorf("commits = %d before the interval elapsed, want 0", n)
	}
}

func TestSession_RelaysEventsDuringCloseGrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 500*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendRaw(`{"type":"stop"}`)
	h.expect(t, relay.TypeSessionStopped)
	if got := h.sess.State(); got != relay.StateStopping {
		t.Fatalf("state = %s, want stopping", got)
	}

	h.remote.Emit(s2s.Event{Type: s2s.EventTranscriptDelta, Text: "adiós"})
	msg := h.expect(t, relay.TypeTranslation)
	if msg.Text != "adiós" {
		t.Errorf("translation = %q", msg.Text)
	}
	h.waitDone(t)
	if !h.remote.Closed() {
		t.Error("remote not closed after grace")
	}
}

func TestSession_FatalRemoteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.remote.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{Type: "server_error", Message: "internal"}})
	msg := h.expect(t, relay.TypeError)
	if msg.Message != "internal" {
		t.Errorf("error message = %q, want internal", msg.Message)
	}
	h.waitDone(t)

	if !h.remote.Closed() {
		t.Error("remote not closed")
	}
	if n := h.registry.Len(); n != 0 {
		t.Errorf("registry holds %d sessions after close, want 0", n)
	}
	select {
	case extra := <-h.client.out:
		t.Errorf("unexpected message after fatal error: %+v", extra)
	default:
	}
}

func TestSession_RecoverableRemoteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.remote.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{
		Type: "invalid_request_error", Code: "input_audio_buffer_commit_empty", Message: "buffer too small",
	}})
	h.expect(t, relay.TypeError)
	h.remote.Emit(s2s.Event{Type: s2s.EventSpeechStarted})
	h.expect(t, relay.TypeSpeechStarted)

	if got := h.sess.State(); got != relay.StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestSession_RemoteConnectionLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.remote.Fail(errors.New("connection reset"))
	msg := h.expect(t, relay.TypeError)
	if !strings.Contains(msg.Message, "connection reset") {
		t.Errorf("error message = %q, want the transport error", msg.Message)
	}
	h.waitDone(t)
	if got := h.sess.State(); got != relay.StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestSession_ConnectError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.provider.ConnectErr = errors.New("dial refused")
	h.start(t)

	h.sendRaw(`{"type":"init"}`)
	msg := h.expect(t, relay.TypeError)
	if !strings.Contains(msg.Message, "dial refused") {
		t.Errorf("error message = %q", msg.Message)
	}
	h.waitDone(t)
	if n := h.registry.Len(); n != 0 {
		t.Errorf("registry holds %d sessions, want 0", n)
	}
}

func TestSession_ClientDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sendAudio(6000)
	waitFor(t, "pending audio", func() bool { return h.sess.Info().Pending == 6000 })
	h.client.disconnect()
	h.waitDone(t)

	if got := opKinds(h.remote.Ops()); !equalKinds(got, mock.OpAppend, mock.OpCommit, mock.OpClose) {
		t.Errorf("ops = %v, want the final flush and commit before close", got)
	}
	if h.client.isClosed() {
		t.Error("Close called on a client that already went away")
	}
}

func TestSession_ContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.cancel()
	h.waitDone(t)
	if !h.remote.Closed() {
		t.Error("remote not closed after cancel")
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)

	h.sess.Stop()
	h.sess.Stop()
	h.expect(t, relay.TypeSessionStopped)
	h.waitDone(t)
	h.sess.Stop()

	if n := h.remote.Count(mock.OpClose); n != 1 {
		t.Errorf("remote closed %d times, want 1", n)
	}
	select {
	case extra := <-h.client.out:
		t.Errorf("unexpected message after close: %+v", extra)
	default:
	}
}

func TestSession_StopWhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	h.sendRaw(`{"type":"stop"}`)
	h.expect(t, relay.TypeSessionStopped)
	h.waitDone(t)
	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("Connect called %d times, want 0", n)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	settings := testSettings(10 * time.Millisecond)
	settings.ConnectTimeout = 200 * time.Millisecond
	h := newHarnessWith(t, settings)
	h.start(t)

	h.sendRaw(`{"type":"init","sessionId":"s1"}`)
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })

	// The peer rejects the config with a recoverable error and never
	// confirms the session.
	h.remote.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{
		Type: "invalid_request_error", Code: "invalid_value", Message: "unknown voice",
	}})
	if msg := h.expect(t, relay.TypeError); msg.Message != "unknown voice" {
		t.Errorf("first error = %q, want the remote message", msg.Message)
	}
	msg := h.expect(t, relay.TypeError)
	if !strings.Contains(msg.Message, "did not confirm") {
		t.Errorf("timeout error = %q", msg.Message)
	}
	h.waitDone(t)

	if got := h.sess.State(); got != relay.StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if !h.remote.Closed() {
		t.Error("remote not closed")
	}
	if n := h.registry.Len(); n != 0 {
		t.Errorf("registry holds %d sessions, want 0", n)
	}
}

func TestSession_ReadyBeforeHandshakeTimeout(t *testing.T) {
	t.Parallel()
	settings := testSettings(10 * time.Millisecond)
	settings.ConnectTimeout = 300 * time.Millisecond
	h := newHarnessWith(t, settings)
	h.start(t)
	h.activate(t)

	time.Sleep(400 * time.Millisecond)
	h.remote.Emit(s2s.Event{Type: s2s.EventSpeechStarted})
	h.expect(t, relay.TypeSpeechStarted)
	if got := h.sess.State(); got != relay.StateActive {
		t.Errorf("state = %s after the timeout passed, want active", got)
	}
}

func TestSession_OverlappingResponseIsObservable(t *testing.T) {
	t.Parallel()
	metrics, reader := sessionMetrics(t)
	h := newHarnessWith(t, testSettings(10*time.Millisecond), relay.WithMetrics(metrics))
	h.start(t)
	h.activate(t)

	h.remote.Emit(s2s.Event{Type: s2s.EventResponseCreated, ResponseID: "r1"})
	h.remote.Emit(s2s.Event{Type: s2s.EventResponseCreated, ResponseID: "r2"})
	h.remote.Emit(s2s.Event{Type: s2s.EventAudioDelta, ResponseID: "r1", Audio: []byte{1, 2}})
	h.remote.Emit(s2s.Event{Type: s2s.EventAudioDelta, ResponseID: "r2", Audio: []byte{9, 9}})
	h.remote.Emit(s2s.Event{Type: s2s.EventResponseDone, ResponseID: "r2"})
	h.remote.Emit(s2s.Event{Type: s2s.EventResponseDone, ResponseID: "r1"})

	msg := h.expect(t, relay.TypeTranslatedAudio)
	if string(msg.Audio) != string([]byte{1, 2}) {
		t.Errorf("translated audio = %v, want only the first response [1 2]", msg.Audio)
	}
	select {
	case extra := <-h.client.out:
		t.Errorf("unexpected message for the overlapping response: %+v", extra)
	default:
	}
	if n := counterValue(t, reader, "voxrelay.response.overlaps"); n != 1 {
		t.Errorf("overlapping responses counted = %d, want 1", n)
	}
}

func TestSession_ResponseGuardReleasedByRelatedErrorOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)
	h.activate(t)
	h.requestResponse(t)

	h.remote.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{
		Type: "invalid_request_error", Code: "input_audio_buffer_commit_empty", Message: "buffer too small",
	}})
	h.expect(t, relay.TypeError)
	if !h.sess.Info().ResponseInProgress {
		t.Fatal("unrelated error released the response request")
	}

	h.clock.Advance(2100 * time.Millisecond)
	h.sendAudio(10000)
	waitFor(t, "second commit", func() bool { return h.remote.Count(mock.OpCommit) == 2 })
	if n := h.remote.Count(mock.OpResponse); n != 1 {
		t.Fatalf("responses = %d while the first is unconfirmed, want 1", n)
	}

	h.remote.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{
		Type: "invalid_request_error", Code: "invalid_value", Message: "response rejected",
		Request: s2s.RequestCreateResponse,
	}})
	h.expect(t, relay.TypeError)
	waitFor(t, "guard released", func() bool { return !h.sess.Info().ResponseInProgress })

	h.requestResponse(t)
}
