// ABOUTME: Tests for EventChannel ordering, completion token ownership and accumulation
// ABOUTME: Covers TTS duplication, the deregistration sentinel and Reset

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sink *ChanSink) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining sink")
			return nil
		}
	}
}

func TestChannel_DeliversInOrderToEverySink(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	a := NewChanSink(16)
	b := NewChanSink(16)
	ch.RegisterSink(a)
	ch.RegisterSink(b)

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)

	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "one"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventReasoning, Text: "hmm"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "two"}))
	require.NoError(t, ch.SignalCompletion(ctx, token))

	for _, sink := range []*ChanSink{a, b} {
		events := drain(t, sink)
		require.Len(t, events, 4)
		assert.Equal(t, "one", events[0].Text)
		assert.Equal(t, EventReasoning, events[1].Type)
		assert.Equal(t, "two", events[2].Text)
		assert.Equal(t, EventEnd, events[3].Type)
	}
}

func TestChannel_SecondTokenFails(t *testing.T) {
	ch := NewChannel(nil)

	_, err := ch.CreateCompletionToken()
	require.NoError(t, err)

	_, err = ch.CreateCompletionToken()
	assert.ErrorIs(t, err, ErrTokenAlreadyCreated)
}

func TestChannel_SignalIsIdempotentForOwner(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	sink := NewChanSink(4)
	ch.RegisterSink(sink)

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)

	require.NoError(t, ch.SignalCompletion(ctx, token))
	require.NoError(t, ch.SignalCompletion(ctx, token))

	events := drain(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Type)
	assert.True(t, ch.Completed())
}

func TestChannel_SignalRejectsForeignToken(t *testing.T) {
	ctx := t.Context()

	t.Run("before any token", func(t *testing.T) {
		ch := NewChannel(nil)
		err := ch.SignalCompletion(ctx, Token{})
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.False(t, ch.Completed())
	})

	t.Run("token from another channel", func(t *testing.T) {
		ch := NewChannel(nil)
		other := NewChannel(nil)
		_, err := ch.CreateCompletionToken()
		require.NoError(t, err)
		foreign, err := other.CreateCompletionToken()
		require.NoError(t, err)

		assert.ErrorIs(t, ch.SignalCompletion(ctx, foreign), ErrNotOwner)
		assert.False(t, ch.Completed())
	})

	t.Run("foreign token after completion", func(t *testing.T) {
		ch := NewChannel(nil)
		token, err := ch.CreateCompletionToken()
		require.NoError(t, err)
		require.NoError(t, ch.SignalCompletion(ctx, token))

		assert.ErrorIs(t, ch.SignalCompletion(ctx, Token{}), ErrNotOwner)
	})
}

func TestChannel_EmitAfterCompletion(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)
	require.NoError(t, ch.SignalCompletion(ctx, token))

	err = ch.Emit(ctx, Event{Type: EventText, Text: "late"})
	assert.ErrorIs(t, err, ErrCompleted)

	select {
	case <-ch.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestChannel_EmitRejectsEndEvent(t *testing.T) {
	ch := NewChannel(nil)
	assert.Error(t, ch.Emit(t.Context(), Event{Type: EventEnd}))
}

func TestChannel_FailingSinkDoesNotStopOthers(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	ch.RegisterSink(SinkFunc(func(context.Context, Event) error {
		return errors.New("broken pipe")
	}))
	good := NewChanSink(4)
	ch.RegisterSink(good)

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "hi"}))
	require.NoError(t, ch.SignalCompletion(ctx, token))

	events := drain(t, good)
	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[0].Text)
}

func TestChannel_EmitHonorsContext(t *testing.T) {
	ch := NewChannel(nil)
	blocked := NewChanSink(0)
	ch.RegisterSink(blocked)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := ch.Emit(ctx, Event{Type: EventText, Text: "stuck"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel_ResultsAccumulate(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)

	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "Hello, "}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventReasoning, Text: "user greets"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventToolCall, ToolCall: &ToolCall{ID: "t1", Name: "lookup"}}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "world"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventStatus, Text: "ignored"}))

	res := ch.Results()
	assert.Equal(t, "Hello, world", res.Text)
	assert.Equal(t, "user greets", res.Reasoning)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "lookup", res.ToolCalls[0].Name)
}

func TestChannel_TTSReceivesTextOnly(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	tts := make(chan TTSChunk, 8)
	ch.RegisterTTSSink(tts)

	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "speak"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventReasoning, Text: "think"}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventToolCall, ToolCall: &ToolCall{Name: "x"}}))
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "this"}))

	assert.Equal(t, 2, ch.TTSDuplicated())

	ch.DeregisterTTSSink()
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "after"}))

	close(tts)
	var got []TTSChunk
	for chunk := range tts {
		got = append(got, chunk)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "speak", got[0].Text)
	assert.Equal(t, "this", got[1].Text)
	assert.True(t, got[2].Final)
	assert.False(t, ch.TTSActive())
	assert.Equal(t, 0, ch.TTSDuplicated())
}

func TestChannel_TTSFullDropsWithoutBlocking(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	tts := make(chan TTSChunk, 1)
	ch.RegisterTTSSink(tts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			_ = ch.Emit(ctx, Event{Type: EventText, Text: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on full tts sink")
	}
	assert.Equal(t, 1, ch.TTSDuplicated())
	assert.Equal(t, "xxxxx", ch.Results().Text)
}

func TestChannel_SignalSendsTTSFinal(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	tts := make(chan TTSChunk, 4)
	ch.RegisterTTSSink(tts)

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "a"}))
	require.NoError(t, ch.SignalCompletion(ctx, token))
	// Deregistering again must not produce a second sentinel.
	ch.DeregisterTTSSink()

	close(tts)
	var finals int
	for chunk := range tts {
		if chunk.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestChannel_Reset(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	ch.RegisterSink(NewChanSink(4))

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)
	require.NoError(t, ch.Emit(ctx, Event{Type: EventText, Text: "old"}))
	require.NoError(t, ch.SignalCompletion(ctx, token))

	ch.Reset()

	assert.False(t, ch.Completed())
	assert.Equal(t, 0, ch.SinkCount())
	assert.Empty(t, ch.Results().Text)
	assert.ErrorIs(t, ch.SignalCompletion(ctx, token), ErrNotOwner)

	fresh, err := ch.CreateCompletionToken()
	require.NoError(t, err)
	assert.NotEqual(t, token.String(), fresh.String())
}

func TestChannel_ConcurrentSignalOnlyOneSentinel(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)
	sink := NewChanSink(16)
	ch.RegisterSink(sink)

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.SignalCompletion(ctx, token)
		}()
	}
	wg.Wait()

	events := drain(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Type)
}

func TestChannel_CompletionNotHeldBehindSlowSink(t *testing.T) {
	ctx := t.Context()
	ch := NewChannel(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []EventType
	ch.RegisterSink(SinkFunc(func(_ context.Context, ev Event) error {
		if ev.Type == EventText {
			close(entered)
			<-release
		}
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	}))

	token, err := ch.CreateCompletionToken()
	require.NoError(t, err)

	emitted := make(chan error, 1)
	go func() { emitted <- ch.Emit(ctx, Event{Type: EventText, Text: "slow"}) }()
	<-entered

	signalled := make(chan error, 1)
	go func() { signalled <- ch.SignalCompletion(ctx, token) }()

	require.Eventually(t, ch.Completed, time.Second, 5*time.Millisecond)
	select {
	case <-ch.Done():
	default:
		t.Fatal("done not closed while a sink was still delivering")
	}
	assert.ErrorIs(t, ch.Emit(ctx, Event{Type: EventText, Text: "late"}), ErrCompleted)
	assert.Equal(t, "slow", ch.Results().Text)

	close(release)
	require.NoError(t, <-emitted)
	require.NoError(t, <-signalled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventText, EventEnd}, got)
}
