package bus

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/channel-gateway/internal/protocol"
)

func msg(ref string) protocol.Message {
	return protocol.Message{
		Ref:     protocol.StringRef(ref),
		Topic:   "t",
		Event:   "e",
		Payload: protocol.RawJSON(`{}`),
	}
}

func TestSendWithoutReceivers(t *testing.T) {
	b := New(4)
	_, err := b.Send(msg("1"))
	assert.ErrorIs(t, err, ErrNoReceivers)
}

func TestSendReportsReceiverCount(t *testing.T) {
	b := New(4)
	r1 := b.Subscribe()
	r2 := b.Subscribe()
	defer r1.Close()
	defer r2.Close()

	n, err := b.Send(msg("1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, b.Receivers())
}

func TestRecvInOrder(t *testing.T) {
	b := New(8)
	rx := b.Subscribe()
	defer rx.Close()

	for i := 0; i < 5; i++ {
		_, err := b.Send(msg(strconv.Itoa(i)))
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m, err := rx.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), *m.Ref)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()
	defer rx.Close()

	done := make(chan protocol.Message, 1)
	go func() {
		m, err := rx.Recv(context.Background())
		if err == nil {
			done <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := b.Send(msg("late"))
	require.NoError(t, err)

	select {
	case m := <-done:
		assert.Equal(t, "late", *m.Ref)
	case <-time.After(time.Second):
		t.Fatal("receiver never woke up")
	}
}

func TestSlowReceiverLags(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()
	defer rx.Close()

	// Overrun the ring by 3: the receiver should skip exactly that many and
	// resume at the oldest retained message.
	for i := 0; i < 7; i++ {
		_, err := b.Send(msg(strconv.Itoa(i)))
		require.NoError(t, err)
	}

	ctx := context.Background()
	_, err := rx.Recv(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLagged)
	var lag *LagError
	require.True(t, stderrors.As(err, &lag))
	assert.Equal(t, uint64(3), lag.Skipped)

	m, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", *m.Ref)
}

func TestLateSubscriberSeesOnlyNewMessages(t *testing.T) {
	b := New(4)
	early := b.Subscribe()
	defer early.Close()

	_, err := b.Send(msg("before"))
	require.NoError(t, err)

	late := b.Subscribe()
	defer late.Close()
	_, err = b.Send(msg("after"))
	require.NoError(t, err)

	m, err := late.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", *m.Ref)
}

func TestRecvContextCancel(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rx.Recv(ctx)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("receiver did not observe cancellation")
	}
}

func TestClose(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := rx.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver did not observe close")
	}

	_, err := b.Send(msg("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsBufferedFirst(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()
	defer rx.Close()

	_, err := b.Send(msg("pending"))
	require.NoError(t, err)
	b.Close()

	m, err := rx.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", *m.Ref)

	_, err = rx.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReceiverCloseIdempotent(t *testing.T) {
	b := New(4)
	rx := b.Subscribe()
	rx.Close()
	rx.Close()
	assert.Equal(t, 0, b.Receivers())
}

func TestConcurrentReceivers(t *testing.T) {
	const receivers = 8
	const messages = 50

	b := New(messages)
	var wg sync.WaitGroup
	results := make([][]string, receivers)
	for i := 0; i < receivers; i++ {
		rx := b.Subscribe()
		wg.Add(1)
		go func(i int, rx *Receiver) {
			defer wg.Done()
			defer rx.Close()
			for {
				m, err := rx.Recv(context.Background())
				if err != nil {
					return
				}
				results[i] = append(results[i], *m.Ref)
			}
		}(i, rx)
	}

	for i := 0; i < messages; i++ {
		_, err := b.Send(msg(strconv.Itoa(i)))
		require.NoError(t, err)
	}
	b.Close()
	wg.Wait()

	for i := 0; i < receivers; i++ {
		require.Len(t, results[i], messages, "receiver %d", i)
		for j, ref := range results[i] {
			assert.Equal(t, strconv.Itoa(j), ref)
		}
	}
}
