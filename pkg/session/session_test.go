package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/docagent/pkg/agent"
	"github.com/kadirpekel/docagent/pkg/model/modeltest"
)

func newDefinition(t *testing.T) *agent.Definition {
	t.Helper()
	def, err := agent.Build(agent.Config{Name: "Jorge", Model: modeltest.NewScriptedModel()})
	require.NoError(t, err)
	return def
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, Persistent, ModeFor(true))
	assert.Equal(t, Ephemeral, ModeFor(false))
	assert.Equal(t, "persistent", Persistent.String())
	assert.Equal(t, "ephemeral", Ephemeral.String())
}

func TestManager_Ephemeral(t *testing.T) {
	def := newDefinition(t)
	m := NewManager(def, Ephemeral)

	a, err := m.Acquire(context.Background())
	require.NoError(t, err)
	b, err := m.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a.Context().ID(), b.Context().ID())
	assert.Same(t, def, a.Context().Definition())
	assert.Nil(t, m.Shared())

	a.Release()
	b.Release()
}

func TestManager_PersistentReusesContext(t *testing.T) {
	m := NewManager(newDefinition(t), Persistent)
	assert.Nil(t, m.Shared())

	a, err := m.Acquire(context.Background())
	require.NoError(t, err)
	first := a.Context()
	a.Release()
	a.Release()

	b, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer b.Release()

	assert.Same(t, first, b.Context())
	assert.Same(t, first, m.Shared())
}

func TestManager_PersistentIsExclusive(t *testing.T) {
	m := NewManager(newDefinition(t), Persistent)

	held, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()
	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestManager_PersistentSerializesTurns(t *testing.T) {
	m := NewManager(newDefinition(t), Persistent)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()

			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLease_ReleaseNil(t *testing.T) {
	var l *Lease
	assert.NotPanics(t, l.Release)
}
