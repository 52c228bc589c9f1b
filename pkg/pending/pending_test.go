package pending_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/pending"
)

func TestRegisterIsIdempotentByKey(t *testing.T) {
	r := require.New(t)
	m := pending.New(nil)

	r.True(m.Register("a", func(context.Context) error { return nil }))
	r.False(m.Register("a", func(context.Context) error { return nil }))
	r.Equal(1, m.Len())
}

func TestRetryAllRemovesSuccessfulEntries(t *testing.T) {
	r := require.New(t)
	m := pending.New(nil)

	m.Register("ok", func(context.Context) error {
		m.Remove("ok")
		return nil
	})

	r.NoError(m.RetryAll(context.Background()))
	r.Equal(0, m.Len())
}

func TestRetryAllLeavesFailedEntriesInPlace(t *testing.T) {
	r := require.New(t)
	m := pending.New(nil)

	errResume := errors.New("still down")
	m.Register("failing", func(context.Context) error {
		return errResume
	})

	r.NoError(m.RetryAll(context.Background()))
	r.Equal(1, m.Len())
}

func TestRetryAllRunsSequentiallyUnderGate(t *testing.T) {
	r := require.New(t)
	m := pending.New(nil)

	var concurrent int32
	var maxConcurrent int32
	track := func(context.Context) error {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		atomic.AddInt32(&concurrent, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		m.Register(string(rune('a'+i)), track)
	}

	done := make(chan struct{}, 2)
	go func() { _ = m.RetryAll(context.Background()); done <- struct{}{} }()
	go func() { _ = m.RetryAll(context.Background()); done <- struct{}{} }()
	<-done
	<-done

	r.LessOrEqual(atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestRetryAllRespectsContextCancellationWhileGateHeld(t *testing.T) {
	r := require.New(t)
	m := pending.New(nil)

	release := make(chan struct{})
	started := make(chan struct{})
	m.Register("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	firstDone := make(chan struct{})
	go func() {
		_ = m.RetryAll(context.Background())
		close(firstDone)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.RetryAll(ctx)
	r.ErrorIs(err, context.Canceled)

	close(release)
	<-firstDone
}
