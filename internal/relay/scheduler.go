package relay

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Thresholds are the byte and time limits the [Scheduler] works against.
type Thresholds struct {
	// CommitInterval is the minimum time between periodic commits.
	CommitInterval time.Duration

	// FlushFloor is the smallest remainder, in bytes, that a periodic commit
	// flushes. Smaller remainders keep accumulating so that near-silent
	// buffers are not committed.
	FlushFloor int

	// CommitFloor is the minimum number of bytes sent since the last commit
	// for a commit to be issued. The remote peer rejects shorter input.
	CommitFloor int
}

// ThresholdsFor converts millisecond floors into byte thresholds for f.
func ThresholdsFor(f audio.Format, interval time.Duration, flushFloorMs, commitFloorMs int) Thresholds {
	return Thresholds{
		CommitInterval: interval,
		FlushFloor:     f.BytesFor(flushFloorMs),
		CommitFloor:    f.BytesFor(commitFloorMs),
	}
}

// Input is the session state the scheduler decides on.
type Input struct {
	// Pending is the size of the frame buffer remainder.
	Pending int

	// SentSinceCommit counts bytes transmitted since the last commit.
	SentSinceCommit int

	// Elapsed is the time since the last commit.
	Elapsed time.Duration

	// ResponseInProgress is true while a response is being generated or has
	// been requested but not yet confirmed.
	ResponseInProgress bool

	// Final selects the stop policy: flush whatever is left, commit if the
	// floor is met and never ask for a response.
	Final bool
}

// Plan is the set of actions the session applies, in field order.
type Plan struct {
	Flush          bool
	Commit         bool
	CreateResponse bool
}

// Kind names the plan for logs.
func (p Plan) Kind() string {
	switch {
	case p.Commit && p.CreateResponse:
		return "commit+response"
	case p.Commit:
		return "commit"
	case p.Flush:
		return "flush"
	default:
		return "none"
	}
}

// Scheduler decides when buffered audio is flushed and committed and when a
// response is requested. It holds no state of its own; the session passes
// everything in through [Input]. Decide is evaluated on every audio chunk
// instead of on a timer so the session keeps a single mutator.
type Scheduler struct {
	th Thresholds
}

// NewScheduler returns a Scheduler for th.
func NewScheduler(th Thresholds) *Scheduler {
	return &Scheduler{th: th}
}

// Thresholds returns the scheduler's limits.
func (s *Scheduler) Thresholds() Thresholds { return s.th }

// Decide returns the actions to take for in.
func (s *Scheduler) Decide(in Input) Plan {
	if !in.Final && (in.Elapsed <= s.th.CommitInterval || in.Pending < s.th.FlushFloor) {
		return Plan{}
	}
	total := in.SentSinceCommit + in.Pending
	commit := total > 0 && total >= s.th.CommitFloor
	if !in.Final && !commit {
		// Below the commit floor the remainder keeps accumulating.
		return Plan{}
	}
	p := Plan{
		Flush:  in.Pending > 0,
		Commit: commit,
	}
	p.CreateResponse = p.Commit && !in.Final && !in.ResponseInProgress
	return p
}
