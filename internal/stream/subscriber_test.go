package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/reqwatch/internal/broadcast"
)

type recordingWriter struct {
	mu         sync.Mutex
	events     []string
	heartbeats int
	err        error
}

func (w *recordingWriter) writeEvent(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, string(payload))
	return nil
}

func (w *recordingWriter) writeHeartbeat() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeats++
	return w.err
}

func (w *recordingWriter) snapshot() ([]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...), w.heartbeats
}

func TestSubscriberSendAfterClose(t *testing.T) {
	s := newSubscriber("s1", &recordingWriter{}, time.Hour)
	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte("b")), broadcast.ErrClosed)
}

func TestSubscriberDropsWhenBufferFull(t *testing.T) {
	s := newSubscriber("s1", &recordingWriter{}, time.Hour)
	for i := 0; i < sendBuffer+10; i++ {
		require.NoError(t, s.Send([]byte("x")))
	}
	assert.Len(t, s.send, sendBuffer)
}

func TestSubscriberRunWritesFramesAndHeartbeats(t *testing.T) {
	w := &recordingWriter{}
	s := newSubscriber("s1", w, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	require.NoError(t, s.Send([]byte("one")))
	require.NoError(t, s.Send([]byte("two")))

	require.Eventually(t, func() bool {
		events, beats := w.snapshot()
		return len(events) == 2 && beats > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	events, _ := w.snapshot()
	assert.Equal(t, []string{"one", "two"}, events)
}

func TestSubscriberRunStopsOnWriteError(t *testing.T) {
	boom := errors.New("broken pipe")
	s := newSubscriber("s1", &recordingWriter{err: boom}, time.Hour)
	require.NoError(t, s.Send([]byte("one")))
	assert.ErrorIs(t, s.run(context.Background()), boom)
}

func TestSubscriberRunStopsOnClose(t *testing.T) {
	s := newSubscriber("s1", &recordingWriter{}, time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.run(context.Background()) }()

	s.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after Close")
	}
}
