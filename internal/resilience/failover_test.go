package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/mock"
)

type pingProvider struct {
	mock.Provider
	pingErr error
}

func (p *pingProvider) Ping(context.Context) error { return p.pingErr }

func TestFailover_PrimaryFirst(t *testing.T) {
	primary := &mock.Provider{}
	fallback := &mock.Provider{}
	f := NewFailover(BreakerConfig{}, Member{"primary", primary}, Member{"fallback", fallback})

	if _, err := f.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(primary.Calls()) != 1 || len(fallback.Calls()) != 0 {
		t.Errorf("calls = %d/%d, want 1/0", len(primary.Calls()), len(fallback.Calls()))
	}
}

func TestFailover_FallsBack(t *testing.T) {
	primary := &mock.Provider{ConnectErr: errTest}
	fallbackSession := mock.NewSession()
	fallback := &mock.Provider{Session: fallbackSession}
	f := NewFailover(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Member{"primary", primary}, Member{"fallback", fallback})

	for range 3 {
		h, err := f.Connect(context.Background(), s2s.SessionConfig{})
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if h != fallbackSession {
			t.Fatal("Connect returned a session not from the fallback")
		}
	}

	// The breaker opened after two failures, so the third connect skipped the
	// primary.
	if n := len(primary.Calls()); n != 2 {
		t.Errorf("primary called %d times, want 2", n)
	}
	if st := f.States()["primary"]; st != StateOpen {
		t.Errorf("primary breaker = %v, want open", st)
	}
}

func TestFailover_AllFailed(t *testing.T) {
	f := NewFailover(BreakerConfig{},
		Member{"a", &mock.Provider{ConnectErr: errors.New("dial a")}},
		Member{"b", &mock.Provider{ConnectErr: errors.New("dial b")}},
	)

	_, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	for _, want := range []string{"dial a", "dial b"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestFailover_CancelledConnectDoesNotTrip(t *testing.T) {
	primary := &mock.Provider{ConnectErr: context.Canceled}
	fallback := &mock.Provider{}
	f := NewFailover(BreakerConfig{MaxFailures: 1}, Member{"primary", primary}, Member{"fallback", fallback})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded with a cancelled context")
	}
	if len(fallback.Calls()) != 0 {
		t.Error("fallback tried after the context was cancelled")
	}
	if st := f.States()["primary"]; st != StateClosed {
		t.Errorf("primary breaker = %v, want closed", st)
	}
}

func TestFailover_Ping(t *testing.T) {
	tests := []struct {
		name    string
		members []Member
		wantErr bool
	}{
		{
			name:    "healthy primary",
			members: []Member{{"a", &pingProvider{}}},
		},
		{
			name: "fallback healthy",
			members: []Member{
				{"a", &pingProvider{pingErr: errTest}},
				{"b", &pingProvider{}},
			},
		},
		{
			name:    "provider without ping",
			members: []Member{{"a", &mock.Provider{}}},
		},
		{
			name: "all unhealthy",
			members: []Member{
				{"a", &pingProvider{pingErr: errTest}},
				{"b", &pingProvider{pingErr: errTest}},
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFailover(BreakerConfig{}, tc.members...)
			err := f.Ping(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Ping() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFailover_PingSkipsOpenBreaker(t *testing.T) {
	p := &pingProvider{}
	p.ConnectErr = errTest
	f := NewFailover(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, Member{"a", p})

	_, _ = f.Connect(context.Background(), s2s.SessionConfig{})
	if err := f.Ping(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Ping() = %v, want ErrCircuitOpen", err)
	}
}
