// Package syncmsg is the message protocol between a running sync and its
// caller: a buffered stream of Events from the engine and a stream of Replies
// back. A Session owns both channels and the small router goroutine that turns
// a Stop (or a caller that went away) into cancellation of the run.
package syncmsg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
)

// EventKind identifies an engine-to-caller message.
type EventKind int

const (
	Log EventKind = iota + 1
	Progress
	ConfirmDeletion
	AskForConflictResolution
	Complete
	Stopped
	Failed
)

var eventKindToString = map[EventKind]string{
	Log:                      "log",
	Progress:                 "progress",
	ConfirmDeletion:          "confirm-deletion",
	AskForConflictResolution: "ask-for-conflict-resolution",
	Complete:                 "complete",
	Stopped:                  "stopped",
	Failed:                   "failed",
}

func (k EventKind) String() string {
	if str, ok := eventKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_event(%d)", k)
}

// IsRequest reports whether k asks the caller for a reply.
func (k EventKind) IsRequest() bool {
	return k == ConfirmDeletion || k == AskForConflictResolution
}

// IsTerminal reports whether k ends the event stream.
func (k EventKind) IsTerminal() bool {
	return k == Complete || k == Stopped || k == Failed
}

// Event is one engine-to-caller message. Only the fields of its Kind are set.
type Event struct {
	Kind     EventKind
	Text     string  // Log
	Fraction float64 // Progress
	Label    string  // Progress
	Path     string  // ConfirmDeletion, AskForConflictResolution
	Seq      uint64  // ConfirmDeletion, AskForConflictResolution
	Err      error   // Failed
}

func LogEvent(text string) Event { return Event{Kind: Log, Text: text} }

func ProgressEvent(fraction float64, label string) Event {
	return Event{Kind: Progress, Fraction: fraction, Label: label}
}

func ConfirmDeletionEvent(absPath string) Event { return Event{Kind: ConfirmDeletion, Path: absPath} }

func ConflictEvent(relPath string) Event {
	return Event{Kind: AskForConflictResolution, Path: relPath}
}

// ReplyKind identifies a caller-to-engine message.
type ReplyKind int

const (
	DeletionConfirmed ReplyKind = iota + 1
	ConflictResolved
	Stop
)

var replyKindToString = map[ReplyKind]string{
	DeletionConfirmed: "deletion-confirmed",
	ConflictResolved:  "conflict-resolved",
	Stop:              "stop",
}

func (k ReplyKind) String() string {
	if str, ok := replyKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_reply(%d)", k)
}

// Reply is one caller-to-engine message.
type Reply struct {
	Kind ReplyKind
	// Confirmed answers a ConfirmDeletion. With ApplyToAll the answer is reused
	// for every later deletion of the same run without asking again.
	Confirmed  bool
	ApplyToAll bool
	Resolution snapshot.Resolution
	// Seq names the request this reply answers. Zero answers whichever
	// request is open when the reply arrives.
	Seq uint64
}

// For addresses r to the request ev.
func (r Reply) For(ev Event) Reply {
	r.Seq = ev.Seq
	return r
}

func Confirm(confirmed, applyToAll bool) Reply {
	return Reply{Kind: DeletionConfirmed, Confirmed: confirmed, ApplyToAll: applyToAll}
}

func Resolve(r snapshot.Resolution) Reply { return Reply{Kind: ConflictResolved, Resolution: r} }

// StopReply asks the engine to stop the run. It is never matched against a request.
func StopReply() Reply { return Reply{Kind: Stop} }

// replyKindFor is the answer kind each request expects.
var replyKindFor = map[EventKind]ReplyKind{
	ConfirmDeletion:          DeletionConfirmed,
	AskForConflictResolution: ConflictResolved,
}

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 64

// Session carries the two message streams of one run.
type Session struct {
	events  chan Event
	replies chan Reply
	answers chan Reply

	// The one request the engine is waiting on. A reply is forwarded only if
	// it matches it, and at most once.
	reqMu       sync.Mutex
	lastSeq     uint64
	pendingSeq  uint64
	pendingKind ReplyKind

	done       chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
	callerGone atomic.Bool
	stopped    atomic.Bool
}

// NewSession returns a session whose event channel holds buffer events.
func NewSession(buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Session{
		events:  make(chan Event, buffer),
		replies: make(chan Reply, 4),
		answers: make(chan Reply, 1),
		done:    make(chan struct{}),
	}
}

// --- Caller side ---

// Events is closed after the terminal event. The caller must keep reading it
// until then.
func (s *Session) Events() <-chan Event { return s.events }

// Send delivers r to the engine. It returns false once the run has finished or
// the reply stream was closed.
func (s *Session) Send(r Reply) (ok bool) {
	defer func() {
		// Sending on the closed reply channel after Close.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.replies <- r:
		return true
	case <-s.done:
		return false
	}
}

// Close tells the engine the caller is gone. The run stops as if Stop had been sent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.replies) })
}

// Done is closed once the run has finished and the terminal event was delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// --- Engine side ---

// Route reads replies until ctx is done. Stop and a closed reply stream call
// cancel. An answer to the open request is handed to Answers without
// blocking; any other reply is dropped. Route is run on its own goroutine.
func (s *Session) Route(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.replies:
			if !ok {
				s.callerGone.Store(true)
				cancel()
				return
			}
			if r.Kind == Stop {
				s.stopped.Store(true)
				cancel()
				return
			}
			answer, ok := s.claim(r)
			if !ok {
				plog.Debug("Dropping reply that answers no open request", "kind", r.Kind, "seq", r.Seq)
				continue
			}
			select {
			case s.answers <- answer:
			default:
				plog.Debug("Dropping reply, previous answer not yet taken", "kind", r.Kind, "seq", answer.Seq)
			}
		}
	}
}

// claim matches r against the open request and closes it on success.
func (s *Session) claim(r Reply) (Reply, bool) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.pendingSeq == 0 || r.Kind != s.pendingKind {
		return r, false
	}
	if r.Seq != 0 && r.Seq != s.pendingSeq {
		return r, false
	}
	r.Seq = s.pendingSeq
	s.pendingSeq = 0
	return r, true
}

// open numbers ev as the new open request and discards any answer still
// queued for an earlier one.
func (s *Session) open(ev Event) Event {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	for drained := false; !drained; {
		select {
		case <-s.answers:
		default:
			drained = true
		}
	}
	s.lastSeq++
	s.pendingSeq = s.lastSeq
	s.pendingKind = replyKindFor[ev.Kind]
	ev.Seq = s.lastSeq
	return ev
}

// Answers delivers DeletionConfirmed and ConflictResolved replies.
func (s *Session) Answers() <-chan Reply { return s.answers }

// CallerGone reports whether the reply stream was closed by the caller.
func (s *Session) CallerGone() bool { return s.callerGone.Load() }

// StopRequested reports whether the caller sent Stop.
func (s *Session) StopRequested() bool { return s.stopped.Load() }

// Emit sends ev, blocking until the caller has buffer room or ctx is done.
// Requests are numbered as by Request.
func (s *Session) Emit(ctx context.Context, ev Event) error {
	_, err := s.Request(ctx, ev)
	return err
}

// Request sends ev like Emit and returns its sequence number. For a request
// event that number opens the request; only a reply addressed to it, or an
// unaddressed reply of the right kind, is delivered on Answers. For other
// events it returns zero.
func (s *Session) Request(ctx context.Context, ev Event) (uint64, error) {
	if ev.Kind.IsRequest() {
		ev = s.open(ev)
	}
	select {
	case s.events <- ev:
		return ev.Seq, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// EmitProgress sends ev without blocking. It reports false when the update was dropped.
func (s *Session) EmitProgress(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Finish sends the terminal event ev and closes the event stream. Only the
// first call has an effect. If the caller has closed its side, ev is dropped
// once the buffer is full.
func (s *Session) Finish(ev Event) {
	s.finishOnce.Do(func() {
		if s.callerGone.Load() {
			select {
			case s.events <- ev:
			default:
			}
		} else {
			s.events <- ev
		}
		close(s.events)
		close(s.done)
	})
}
