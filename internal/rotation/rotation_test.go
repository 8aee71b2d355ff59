package rotation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

func newTestStore(t *testing.T, indices ...int) *store.Store {
	t.Helper()
	dir := t.TempDir()
	for _, i := range indices {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-"+itoa(i)+".json"), []byte(`{}`), 0o600))
	}
	s, err := store.New(dir)
	require.NoError(t, err)
	return s
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestAcceptIncrementsActiveCount(t *testing.T) {
	c := New(Thresholds{}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	require.NoError(t, c.Accept())
	require.Equal(t, 1, c.Snapshot().ActiveRequestCount)
	c.Finish(context.Background())
	require.Equal(t, 0, c.Snapshot().ActiveRequestCount)
}

func TestUsageBasedTriggerExactlyOnNth(t *testing.T) {
	c := New(Thresholds{SwitchOnUses: 3}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	c.RecordGenerativeUsage()
	require.False(t, c.Snapshot().PendingSwitch)
	c.RecordGenerativeUsage()
	require.False(t, c.Snapshot().PendingSwitch)
	c.RecordGenerativeUsage()
	require.True(t, c.Snapshot().PendingSwitch)
}

func TestUsageTriggerDeferredUntilQuiescent(t *testing.T) {
	c := New(Thresholds{SwitchOnUses: 1}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	require.NoError(t, c.Accept())
	c.RecordGenerativeUsage()
	require.True(t, c.Snapshot().PendingSwitch)
	require.Equal(t, 1, c.CurrentIndex())

	c.Finish(context.Background())
	require.Equal(t, 2, c.CurrentIndex())
	require.False(t, c.Snapshot().PendingSwitch)
}

func TestAcceptRejectsWhilePendingOrSwitching(t *testing.T) {
	c := New(Thresholds{SwitchOnUses: 1}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	require.NoError(t, c.Accept())
	c.RecordGenerativeUsage()
	require.ErrorIs(t, c.Accept(), ErrRotating)
}

func TestImmediateStatusCodeTriggersDespiteLowFailureCount(t *testing.T) {
	c := New(Thresholds{FailureThreshold: 10, ImmediateSwitchStatusCodes: []int{429}}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	require.NoError(t, c.Accept())
	c.RecordFailure(context.Background(), 429)
	require.Equal(t, 1, c.Snapshot().FailureCount)
	c.Finish(context.Background())
	require.Equal(t, 2, c.CurrentIndex())
}

func TestFailureThresholdTriggersSwitch(t *testing.T) {
	c := New(Thresholds{FailureThreshold: 2}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	c.RecordFailure(context.Background(), 500)
	require.Equal(t, 1, c.CurrentIndex())
	c.RecordFailure(context.Background(), 500)
	require.Equal(t, 2, c.CurrentIndex())
}

func TestRollbackOnSwitchFailureReturnsToPrevious(t *testing.T) {
	failing := browser.FuncSession(func(ctx context.Context, index int) error {
		if index == 2 {
			return errors.New("switch failed")
		}
		return nil
	})
	c := New(Thresholds{FailureThreshold: 1}, newTestStore(t, 1, 2), failing, 1)
	c.RecordFailure(context.Background(), 500)
	require.Equal(t, 1, c.CurrentIndex())
	require.False(t, c.Snapshot().PendingSwitch)
}

func TestUnavailableAfterRollbackFailure(t *testing.T) {
	alwaysFail := browser.FuncSession(func(ctx context.Context, index int) error {
		return errors.New("boom")
	})
	c := New(Thresholds{FailureThreshold: 1}, newTestStore(t, 1, 2), alwaysFail, 1)
	c.RecordFailure(context.Background(), 500)
	require.ErrorIs(t, c.Accept(), ErrUnavailable)
}

func TestManualSwitchToExplicitIndex(t *testing.T) {
	c := New(Thresholds{}, newTestStore(t, 1, 2, 3), browser.NullSession{}, 1)
	target := 3
	out := c.ManualSwitch(context.Background(), &target)
	require.True(t, out.Success)
	require.Equal(t, 3, out.FellBackTo)
	require.Equal(t, 3, c.CurrentIndex())
}

func TestManualSwitchCyclesToNextWhenNoTarget(t *testing.T) {
	c := New(Thresholds{}, newTestStore(t, 1, 2, 3), browser.NullSession{}, 1)
	out := c.ManualSwitch(context.Background(), nil)
	require.True(t, out.Success)
	require.Equal(t, 2, c.CurrentIndex())
}

func TestRotationNeverBeginsWhileRequestsActive(t *testing.T) {
	c := New(Thresholds{SwitchOnUses: 1}, newTestStore(t, 1, 2), browser.NullSession{}, 1)
	require.NoError(t, c.Accept())
	c.RecordGenerativeUsage()
	require.Equal(t, 1, c.CurrentIndex())
	require.Equal(t, StatePending.String(), "pending") // sanity on stringer
}
