// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to inject remote events and to inspect the ordered operations
// (append, commit, response, close) the relay performed.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventSessionUpdated})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrClosed is returned by Session write methods after Close.
var ErrClosed = errors.New("mock: session closed")

// OpKind names a recorded Session operation.
type OpKind string

const (
	OpAppend   OpKind = "append"
	OpCommit   OpKind = "commit"
	OpResponse OpKind = "response"
	OpClose    OpKind = "close"
)

// Op is one recorded Session operation.
type Op struct {
	Kind OpKind
	// Data holds a copy of the appended audio for OpAppend.
	Data []byte
}

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [NewSession].
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	emitMu       sync.Mutex
	events       chan s2s.Event
	eventsClosed bool

	ops    []Op
	closed bool
	err    error

	// AppendErr, CommitErr and ResponseErr, when set, are returned by the
	// matching methods instead of recording the operation.
	AppendErr   error
	CommitErr   error
	ResponseErr error
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit delivers evt on the events channel. Events emitted after
// [Session.Fail] or [Session.Close] are discarded.
func (s *Session) Emit(evt s2s.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	s.events <- evt
}

// Fail simulates a transport failure: Err reports err and the events channel
// is closed.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeEvents()
}

// Ops returns a copy of the recorded operations in order. Thread-safe.
func (s *Session) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// Count returns how many operations of kind were recorded.
func (s *Session) Count(kind OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) record(op Op, failWith error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if failWith != nil {
		return failWith
	}
	s.ops = append(s.ops, op)
	return nil
}

// AppendAudio records an OpAppend with a copy of pcm.
func (s *Session) AppendAudio(_ context.Context, pcm []byte) error {
	data := make([]byte, len(pcm))
	copy(data, pcm)
	return s.record(Op{Kind: OpAppend, Data: data}, s.AppendErr)
}

// Commit records an OpCommit.
func (s *Session) Commit(context.Context) error {
	return s.record(Op{Kind: OpCommit}, s.CommitErr)
}

// CreateResponse records an OpResponse.
func (s *Session) CreateResponse(context.Context) error {
	return s.record(Op{Kind: OpResponse}, s.ResponseErr)
}

// Events returns the events channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error set by Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records an OpClose and closes the events channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.ops = append(s.ops, Op{Kind: OpClose})
	s.mu.Unlock()
	s.closeEvents()
	return nil
}

func (s *Session) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}
