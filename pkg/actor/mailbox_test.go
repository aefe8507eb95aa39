package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestMailbox_RunsInOrder(t *testing.T) {
	m := NewMailbox(context.Background(), "session", nopLog())
	defer m.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, m.Post(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailbox_CallReturnsResult(t *testing.T) {
	m := NewMailbox(context.Background(), "session", nopLog())
	defer m.Close()

	want := errors.New("grant failed")
	err := m.Call(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestMailbox_SurvivesPanic(t *testing.T) {
	m := NewMailbox(context.Background(), "session", nopLog())
	defer m.Close()

	_ = m.Post(func(context.Context) { panic("boom") })
	err := m.Call(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestMailbox_CloseRejectsAndCancels(t *testing.T) {
	m := NewMailbox(context.Background(), "session", nopLog())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_ = m.Post(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started
	m.Close()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled")
	}
	<-m.Done()
	assert.ErrorIs(t, m.Post(func(context.Context) {}), ErrClosed)
}

func TestGroup_PerKeyOrderingIndependentKeys(t *testing.T) {
	g := NewGroup(context.Background(), nopLog())
	defer g.Close()

	block := make(chan struct{})
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	require.NoError(t, g.Post("viewer-a", func(context.Context) { <-block }))
	require.NoError(t, g.Post("viewer-a", func(context.Context) { close(aDone) }))
	require.NoError(t, g.Post("viewer-b", func(context.Context) { close(bDone) }))

	// b is not held up by a's slow task
	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Fatal("viewer-b blocked by viewer-a")
	}
	select {
	case <-aDone:
		t.Fatal("viewer-a second task ran before first finished")
	default:
	}

	close(block)
	<-aDone
	assert.Equal(t, 2, g.Len())

	g.Remove("viewer-a")
	assert.Equal(t, 1, g.Len())
}
