// Package relay implements the per-connection translation session: framing
// and commit scheduling of outbound audio, the session lifecycle, and the
// mapping of remote events to client messages.
//
// One [Session] exists per client websocket. It is driven by two readers
// (client and remote) that feed a single mutator goroutine, so session state
// is never touched concurrently. [Handler] accepts client connections and
// tracks live sessions in a [Registry].
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrOverlappingResponse is reported when the remote peer starts a response
// while another one is still in progress. The second response is ignored.
var ErrOverlappingResponse = errors.New("relay: response created while another response is in progress")

// Completed summarises a finished response.
type Completed struct {
	ResponseID string
	AudioBytes int
	Text       string
}

// Outcome is the result of applying one remote event.
type Outcome struct {
	// Messages are sent to the client in order.
	Messages []ServerMessage

	// Ready is true for the first session-updated event.
	Ready bool

	// Anomaly is set when the event violated the one-response-at-a-time
	// rule and was ignored.
	Anomaly error

	// Fatal is set for remote errors that end the session.
	Fatal *s2s.RemoteError

	// Completed is set when a response finished.
	Completed *Completed
}

// EventRelay maps remote events to client messages. Translated audio is held
// back until the response is done and then sent as one clip, which avoids
// audible seams on client playback at the cost of latency. Text is forwarded
// as it arrives.
//
// EventRelay is not safe for concurrent use; the session mutator owns it.
type EventRelay struct {
	ready      bool
	inProgress bool
	responseID string

	// ignored holds ids of responses rejected as overlapping. Their deltas
	// and done events are dropped.
	ignored map[string]struct{}

	// unnamed counts rejected responses that arrived without an id. While it
	// is positive and the current response has an id, events without an id
	// belong to a rejected response.
	unnamed int

	audio bytes.Buffer
	text  strings.Builder
}

// NewEventRelay returns an EventRelay with no response in progress.
func NewEventRelay() *EventRelay {
	return &EventRelay{ignored: make(map[string]struct{})}
}

// InProgress reports whether a response is being generated.
func (r *EventRelay) InProgress() bool { return r.inProgress }

// ResponseID returns the id of the response in progress, if any.
func (r *EventRelay) ResponseID() string { return r.responseID }

// Apply maps evt and updates the response accumulators.
func (r *EventRelay) Apply(evt s2s.Event) Outcome {
	var out Outcome

	switch evt.Type {
	case s2s.EventSessionUpdated:
		if !r.ready {
			r.ready = true
			out.Ready = true
		}

	case s2s.EventResponseCreated:
		if r.inProgress {
			switch {
			case evt.ResponseID == "":
				r.unnamed++
			case evt.ResponseID != r.responseID:
				r.ignored[evt.ResponseID] = struct{}{}
			}
			out.Anomaly = fmt.Errorf("%w: current %q, rejected %q", ErrOverlappingResponse, r.responseID, evt.ResponseID)
			return out
		}
		r.inProgress = true
		r.responseID = evt.ResponseID
		r.audio.Reset()
		r.text.Reset()

	case s2s.EventAudioDelta:
		if r.isIgnored(evt.ResponseID) || !r.inProgress {
			return out
		}
		r.audio.Write(evt.Audio)

	case s2s.EventTranscriptDelta:
		if r.isIgnored(evt.ResponseID) || evt.Text == "" {
			return out
		}
		if r.inProgress {
			r.text.WriteString(evt.Text)
		}
		out.Messages = append(out.Messages, Translation(evt.Text))

	case s2s.EventInputTranscript:
		if evt.Text != "" {
			out.Messages = append(out.Messages, Transcription(evt.Text))
		}

	case s2s.EventSpeechStarted:
		out.Messages = append(out.Messages, SpeechStarted())

	case s2s.EventSpeechStopped:
		out.Messages = append(out.Messages, SpeechStopped())

	case s2s.EventResponseDone:
		if evt.ResponseID == "" && r.unnamed > 0 && (!r.inProgress || r.responseID != "") {
			r.unnamed--
			return out
		}
		if r.isIgnored(evt.ResponseID) {
			delete(r.ignored, evt.ResponseID)
			return out
		}
		if !r.inProgress {
			return out
		}
		done := &Completed{
			ResponseID: r.responseID,
			AudioBytes: r.audio.Len(),
			Text:       r.text.String(),
		}
		if r.audio.Len() > 0 {
			clip := make([]byte, r.audio.Len())
			copy(clip, r.audio.Bytes())
			out.Messages = append(out.Messages, TranslatedAudio(clip))
		}
		out.Completed = done
		r.inProgress = false
		r.responseID = ""
		r.audio.Reset()
		r.text.Reset()

	case s2s.EventError:
		remote := evt.Err
		if remote == nil {
			remote = &s2s.RemoteError{Message: "unknown error"}
		}
		out.Messages = append(out.Messages, ErrorMessage(remote.Message))
		if remote.Fatal() {
			out.Fatal = remote
		}
	}

	return out
}

// isIgnored reports whether an event tagged id belongs to a rejected
// response. Without ids on both sides the two responses cannot be told apart
// and the event is kept.
func (r *EventRelay) isIgnored(id string) bool {
	if id == "" {
		return r.unnamed > 0 && r.inProgress && r.responseID != ""
	}
	_, ok := r.ignored[id]
	return ok
}
