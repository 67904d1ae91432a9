package syncmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
)

func TestRouteForwardsAnswers(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	seq, err := s.Request(ctx, ConflictEvent("a.txt"))
	require.NoError(t, err)
	ev := <-s.Events()
	assert.Equal(t, seq, ev.Seq)
	assert.NotZero(t, seq)

	require.True(t, s.Send(Resolve(snapshot.KeepLocal)))
	r := nextAnswer(t, s)
	assert.Equal(t, ConflictResolved, r.Kind)
	assert.Equal(t, snapshot.KeepLocal, r.Resolution)
	assert.Equal(t, seq, r.Seq, "an unaddressed reply is stamped with the open request")
	assert.NoError(t, ctx.Err())
}

func nextAnswer(t *testing.T, s *Session) Reply {
	t.Helper()
	select {
	case r := <-s.Answers():
		return r
	case <-time.After(time.Second):
		t.Fatal("answer was not forwarded")
		return Reply{}
	}
}

func assertNoAnswer(t *testing.T, s *Session) {
	t.Helper()
	select {
	case r := <-s.Answers():
		t.Fatalf("unexpected answer %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRepeatedReplyDoesNotAnswerNextRequest(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	_, err := s.Request(ctx, ConfirmDeletionEvent("/l/a.txt"))
	require.NoError(t, err)
	first := <-s.Events()
	require.True(t, s.Send(Confirm(true, false).For(first)))
	require.True(t, s.Send(Confirm(true, false).For(first)))
	assert.True(t, nextAnswer(t, s).Confirmed)

	seq, err := s.Request(ctx, ConfirmDeletionEvent("/l/b.txt"))
	require.NoError(t, err)
	second := <-s.Events()
	assert.NotEqual(t, first.Seq, second.Seq)
	assertNoAnswer(t, s)

	require.True(t, s.Send(Confirm(false, false).For(second)))
	r := nextAnswer(t, s)
	assert.False(t, r.Confirmed)
	assert.Equal(t, seq, r.Seq)
}

func TestReplyOfWrongKindIsDropped(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	_, err := s.Request(ctx, ConflictEvent("a.txt"))
	require.NoError(t, err)
	<-s.Events()
	require.True(t, s.Send(Confirm(true, true)))
	require.True(t, s.Send(Resolve(snapshot.KeepRemote)))

	r := nextAnswer(t, s)
	assert.Equal(t, ConflictResolved, r.Kind)
	assert.Equal(t, snapshot.KeepRemote, r.Resolution)
	assertNoAnswer(t, s)
}

func TestStopIsReadBehindUnrequestedReplies(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	for i := 0; i < 8; i++ {
		require.True(t, s.Send(Confirm(true, false)))
	}
	require.True(t, s.Send(StopReply()))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop was not read")
	}
	assert.True(t, s.StopRequested())
	assertNoAnswer(t, s)
}

func TestRequestNumbersOnlyPrompts(t *testing.T) {
	s := NewSession(4)
	seq, err := s.Request(context.Background(), LogEvent("hello"))
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Zero(t, (<-s.Events()).Seq)

	a, err := s.Request(context.Background(), ConfirmDeletionEvent("/x"))
	require.NoError(t, err)
	require.NoError(t, s.Emit(context.Background(), ConflictEvent("y")))
	<-s.Events()
	assert.Equal(t, a+1, (<-s.Events()).Seq, "Emit numbers prompts too")
}

func TestStopCancelsRun(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	require.True(t, s.Send(StopReply()))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the run")
	}
	assert.True(t, s.StopRequested())
	assert.False(t, s.CallerGone())
}

func TestClosedReplyStreamCancelsRun(t *testing.T) {
	s := NewSession(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Route(ctx, cancel)

	s.Close()
	s.Close() // idempotent
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("closing the reply stream did not cancel the run")
	}
	assert.True(t, s.CallerGone())
	assert.False(t, s.Send(Confirm(true, false)), "send after close is refused")
}

func TestProgressIsDroppedWhenBufferFull(t *testing.T) {
	s := NewSession(1)
	assert.True(t, s.EmitProgress(ProgressEvent(0.1, "a")))
	assert.False(t, s.EmitProgress(ProgressEvent(0.2, "b")))

	ev := <-s.Events()
	assert.Equal(t, Progress, ev.Kind)
	assert.InDelta(t, 0.1, ev.Fraction, 1e-9)
}

func TestEmitBlocksUntilContextDone(t *testing.T) {
	s := NewSession(1)
	require.NoError(t, s.Emit(context.Background(), LogEvent("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Emit(ctx, LogEvent("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFinishClosesStream(t *testing.T) {
	s := NewSession(4)
	require.NoError(t, s.Emit(context.Background(), LogEvent("hello")))
	s.Finish(Event{Kind: Complete})
	s.Finish(Event{Kind: Stopped}) // ignored

	var kinds []EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{Log, Complete}, kinds)
	assert.True(t, kinds[len(kinds)-1].IsTerminal())

	select {
	case <-s.Done():
	default:
		t.Fatal("done is not closed")
	}
	assert.False(t, s.Send(StopReply()))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "ask-for-conflict-resolution", AskForConflictResolution.String())
	assert.Equal(t, "stop", Stop.String())
	assert.Contains(t, EventKind(99).String(), "unknown")
}
