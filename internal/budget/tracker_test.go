package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
)

func TestTracker_ReserveDeniedOverThreshold(t *testing.T) {
	tr := NewTracker(1.0)
	tr.Open("s1", 0)

	res, ok := tr.Reserve("s1", "premium", 0.6)
	require.True(t, ok)
	require.NotNil(t, res)

	_, ok = tr.Reserve("s1", "premium", 0.5)
	assert.False(t, ok, "outstanding reservation counts against the threshold")

	res.Release()
	res.Release()

	_, ok = tr.Reserve("s1", "premium", 0.5)
	assert.True(t, ok)
}

func TestTracker_ExactThresholdIsGranted(t *testing.T) {
	tr := NewTracker(1.0)
	tr.Record("s1", "premium", 0.75)

	_, ok := tr.Reserve("s1", "premium", 0.25)
	assert.True(t, ok, "spent + estimate == threshold is within budget")
}

func TestTracker_RecordIsMonotonic(t *testing.T) {
	tr := NewTracker(1.0)

	tr.Record("s1", "a", 0.2)
	tr.Record("s1", "a", -5)
	tr.Record("s1", "b", 0)
	tr.Record("s1", "b", 0.1)

	rec := tr.Snapshot("s1")
	assert.InDelta(t, 0.3, rec.Spent, 1e-9)
	assert.InDelta(t, 0.2, rec.CostTracking["a"], 1e-9)
	assert.InDelta(t, 0.1, rec.CostTracking["b"], 1e-9)
	assert.InDelta(t, 0.7, tr.Remaining("s1"), 1e-9)
}

func TestTracker_RemainingCanGoNegative(t *testing.T) {
	tr := NewTracker(0.5)
	tr.Record("s1", "fallback", 0.8)
	assert.InDelta(t, -0.3, tr.Remaining("s1"), 1e-9)
}

func TestTracker_OpenUsesDefaultAndOverride(t *testing.T) {
	tr := NewTracker(2.0)
	tr.Open("default", 0)
	tr.Open("custom", 5)

	assert.Equal(t, 2.0, tr.Snapshot("default").Threshold)
	assert.Equal(t, 5.0, tr.Snapshot("custom").Threshold)

	tr.SetDefaultThreshold(3.0)
	tr.Open("later", 0)
	assert.Equal(t, 3.0, tr.Snapshot("later").Threshold)
	assert.Equal(t, 2.0, tr.Snapshot("default").Threshold)
}

func TestTracker_RestoreNeverLowersSpend(t *testing.T) {
	tr := NewTracker(1.0)
	tr.Restore(domain.BudgetRecord{
		SessionID:    "s1",
		Spent:        0.4,
		Threshold:    1.0,
		CostTracking: map[string]float64{"premium": 0.4},
	})
	assert.InDelta(t, 0.6, tr.Remaining("s1"), 1e-9)

	tr.Restore(domain.BudgetRecord{SessionID: "s1", Spent: 0.1, Threshold: 1.0})
	assert.InDelta(t, 0.4, tr.Snapshot("s1").Spent, 1e-9)
}

func TestTracker_CloseDropsLedger(t *testing.T) {
	tr := NewTracker(1.0)
	tr.Record("s1", "a", 0.5)
	tr.Close("s1")
	assert.Equal(t, 0.0, tr.Snapshot("s1").Spent)
}

func TestTracker_ConcurrentReservationsNeverOverbook(t *testing.T) {
	tr := NewTracker(1.0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.Reserve("s1", "p", 0.1); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted, 10)
	assert.LessOrEqual(t, tr.Snapshot("s1").Reserved, 1.0+1e-9)
}
