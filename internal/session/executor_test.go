package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollamaacp/internal/content"
	"ollamaacp/internal/conversation"
	agenterrors "ollamaacp/internal/errors"
)

func text(s string) []content.Block {
	return []content.Block{content.TextBlock{Text: s}}
}

func echoStreamer() Streamer {
	return streamFunc(func(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error) {
		last := history[len(history)-1].Content
		_ = sink.Deliver(ctx, "echo: ")
		_ = sink.Deliver(ctx, last)
		return "echo: " + last, nil
	})
}

type submitResult struct {
	reason StopReason
	err    error
}

func submitAsync(exec *Executor, ctx context.Context, blocks []content.Block, sink UpdateSink) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		reason, err := exec.Submit(ctx, blocks, sink)
		ch <- submitResult{reason, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("submit did not return")
		return submitResult{}
	}
}

func TestSubmitCompletedTurnAppendsUserAndAssistant(t *testing.T) {
	exec := NewExecutor("session-1", echoStreamer(), Options{})
	sink := &recordingSink{}

	reason, err := exec.Submit(context.Background(), text("  What is 2+2?  "), sink)
	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, reason)
	assert.Equal(t, []string{"echo: ", "What is 2+2?"}, sink.Texts())

	msgs := exec.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is 2+2?", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "echo: What is 2+2?", msgs[1].Content)
	assert.Equal(t, StateIdle, exec.State())
}

func TestSubmitSendsFullHistoryIncludingNewMessage(t *testing.T) {
	var seen []int
	streamer := streamFunc(func(_ context.Context, history []conversation.Message, _ UpdateSink) (string, error) {
		seen = append(seen, len(history))
		return "ok", nil
	})
	exec := NewExecutor("s", streamer, Options{})

	for i := 0; i < 3; i++ {
		_, err := exec.Submit(context.Background(), text("turn"), &recordingSink{})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 3, 5}, seen)
	assert.Len(t, exec.History(), 6)
}

func TestSubmitEmptyPromptIsNoop(t *testing.T) {
	called := false
	streamer := streamFunc(func(context.Context, []conversation.Message, UpdateSink) (string, error) {
		called = true
		return "", nil
	})
	exec := NewExecutor("s", streamer, Options{})
	sink := &recordingSink{}

	reason, err := exec.Submit(context.Background(), []content.Block{
		content.TextBlock{Text: "   "},
		content.ImageBlock{Encoded: "!!!not-base64"},
	}, sink)

	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, reason)
	assert.False(t, called)
	assert.Empty(t, sink.Texts())
	assert.Empty(t, exec.History())
}

func TestSubmitBackendFailureSendsOneNotice(t *testing.T) {
	boom := &BackendError{Err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")}
	streamer := streamFunc(func(ctx context.Context, _ []conversation.Message, sink UpdateSink) (string, error) {
		_ = sink.Deliver(ctx, "half an ans")
		return "half an ans", boom
	})
	exec := NewExecutor("s", streamer, Options{})
	sink := &recordingSink{}

	reason, err := exec.Submit(context.Background(), text("hello"), sink)

	assert.Equal(t, StopReason(""), reason)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "s", runErr.SessionID)
	assert.NotEmpty(t, runErr.RunID)
	assert.ErrorIs(t, err, boom)

	texts := sink.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "half an ans", texts[0])
	assert.Equal(t, "Sorry, an error occurred: "+agenterrors.FormatForUser(boom), texts[1])
	assert.Contains(t, texts[1], "ollama serve")

	msgs := exec.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
}

func TestCancelDiscardsPromptByDefault(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})
	sink := &recordingSink{}

	res := submitAsync(exec, context.Background(), text("long essay"), sink)
	<-streamer.started
	assert.Equal(t, StateRunning, exec.State())

	exec.Cancel()
	exec.Cancel()

	got := await(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, StopCancelled, got.reason)
	assert.Empty(t, exec.History())
	assert.Equal(t, StateIdle, exec.State())
}

func TestCancelKeepsPromptWhenConfigured(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{KeepCancelledPrompts: true})

	res := submitAsync(exec, context.Background(), text("long essay"), &recordingSink{})
	<-streamer.started
	exec.Cancel()

	got := await(t, res)
	assert.Equal(t, StopCancelled, got.reason)
	msgs := exec.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, "long essay", msgs[0].Content)
}

func TestCancelOnIdleIsNoop(t *testing.T) {
	exec := NewExecutor("s", echoStreamer(), Options{})
	exec.Cancel()
	exec.Cancel()
	assert.Equal(t, StateIdle, exec.State())

	reason, err := exec.Submit(context.Background(), text("still works"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, reason)
}

func TestCallerContextCancellationEndsRun(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	res := submitAsync(exec, ctx, text("x"), &recordingSink{})
	<-streamer.started
	cancel()

	got := await(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, StopCancelled, got.reason)
}

func TestResubmitSupersedesRunningPrompt(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	resA := submitAsync(exec, context.Background(), text("first"), sinkA)
	<-streamer.started

	resB := submitAsync(exec, context.Background(), text("second"), sinkB)

	gotA := await(t, resA)
	require.NoError(t, gotA.err)
	assert.Equal(t, StopCancelled, gotA.reason)

	<-streamer.started
	close(streamer.release)
	gotB := await(t, resB)
	require.NoError(t, gotB.err)
	assert.Equal(t, StopEndTurn, gotB.reason)

	assert.Equal(t, []string{"partial"}, sinkA.Texts())
	assert.Equal(t, []string{"partial"}, sinkB.Texts())

	msgs := exec.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "partial reply", msgs[1].Content)

	// The second run saw a history without any trace of the first.
	require.Len(t, streamer.histories, 2)
	assert.Len(t, streamer.histories[1], 1)
	assert.Equal(t, 1, streamer.MaxActive())
}

func TestConcurrentSubmitsNeverOverlap(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})

	const n = 8
	var wg sync.WaitGroup
	results := make(chan submitResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason, err := exec.Submit(context.Background(), text("go"), &recordingSink{})
			results <- submitResult{reason, err}
		}()
	}

	// Drain start signals until every submit has returned.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	released := false
	for finished := false; !finished; {
		select {
		case <-streamer.started:
		case <-done:
			finished = true
		case <-time.After(200 * time.Millisecond):
			if !released {
				close(streamer.release)
				released = true
			}
		}
	}
	close(results)

	completed := 0
	for res := range results {
		require.NoError(t, res.err)
		if res.reason == StopEndTurn {
			completed++
		}
	}
	assert.GreaterOrEqual(t, completed, 1)
	assert.Equal(t, 1, streamer.MaxActive())
	assert.Len(t, exec.History(), 2*completed)
	assert.Equal(t, StateIdle, exec.State())
}

func TestBeginOrderDecidesWhichTurnSupersedes(t *testing.T) {
	exec := NewExecutor("s", echoStreamer(), Options{})
	first := exec.Begin(context.Background())
	second := exec.Begin(context.Background())
	assert.NotEqual(t, first.RunID(), second.RunID())

	// Run the later turn first: it still waits for the earlier one.
	resSecond := make(chan submitResult, 1)
	go func() {
		reason, err := second.Run(text("second"), &recordingSink{})
		resSecond <- submitResult{reason, err}
	}()
	reason, err := first.Run(text("first"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, reason)

	got := await(t, resSecond)
	require.NoError(t, got.err)
	assert.Equal(t, StopEndTurn, got.reason)

	msgs := exec.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, StateIdle, exec.State())
}

func TestCancelAfterBeginStopsTurnBeforeItStarts(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})
	turn := exec.Begin(context.Background())
	assert.Equal(t, StateRunning, exec.State())

	exec.Cancel()
	reason, err := turn.Run(text("never"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, reason)
	assert.Zero(t, streamer.calls)
	assert.Empty(t, exec.History())
}

func TestHistoryExcludesRunningTurnUntilCommit(t *testing.T) {
	streamer := newGatedStreamer()
	exec := NewExecutor("s", streamer, Options{})

	res := submitAsync(exec, context.Background(), text("pending"), &recordingSink{})
	<-streamer.started
	assert.Empty(t, exec.History())

	close(streamer.release)
	require.NoError(t, await(t, res).err)
	assert.Len(t, exec.History(), 2)
}

func TestRunFinishClosesDoneAndCancels(t *testing.T) {
	run, ctx := newRun(context.Background())
	select {
	case <-run.Done():
		t.Fatal("done closed before finish")
	default:
	}
	run.Cancel()
	run.Cancel()
	require.Error(t, ctx.Err())

	run.finish()
	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}
