package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCancelScopeCallbacks(t *testing.T) {
	t.Run("unregistered callbacks are released", func(t *testing.T) {
		s := newCancelScope(nil)
		var calls []int
		var removes []func()
		for i := range 3 {
			removes = append(removes, s.onCancel(func() { calls = append(calls, i) }))
		}
		removes[0]()
		removes[2]()
		removes[2]()
		require.Len(t, s.callbacks, 1)
		s.cancel()
		require.Equal(t, []int{1}, calls)
	})

	t.Run("earlier callback unregisters a later one", func(t *testing.T) {
		s := newCancelScope(nil)
		var removeLater func()
		called := false
		s.onCancel(func() { removeLater() })
		removeLater = s.onCancel(func() { called = true })
		s.cancel()
		require.False(t, called)
	})

	t.Run("fired timers leave nothing behind", func(t *testing.T) {
		ticker := func(ctx Context, input Payload) (any, error) {
			for range 5 {
				if err := ctx.Sleep(time.Second); err != nil {
					return nil, err
				}
			}
			return nil, ctx.Await(func() bool { return false })
		}
		r := newTestRun(t, mustRegister(t, map[string]WorkflowFunc{"ticker": ticker}), "ticker", nil)
		r.decide()
		for seq := int64(1); seq <= 5; seq++ {
			r.advance(time.Second)
			r.fireTimer(seq)
			r.decide()
		}
		require.Empty(t, r.x.env.rootScope.callbacks)
	})
}
