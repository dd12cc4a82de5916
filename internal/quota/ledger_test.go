package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	redisclient "gen-orchestrator/pkg/database/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T, limit int) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisLedger(client, limit), mr
}

func TestAuthorizeWithinLimit(t *testing.T) {
	ledger, _ := testLedger(t, 5)
	ctx := context.Background()

	allowed, remaining, err := ledger.Authorize(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 3, remaining)

	allowed, remaining, err = ledger.Authorize(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, err = ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAuthorizeIsPerUser(t *testing.T) {
	ledger, _ := testLedger(t, 1)
	ctx := context.Background()

	allowed, _, err := ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = ledger.Authorize(ctx, "user-2", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizeAtomicUnderConcurrency(t *testing.T) {
	ledger, _ := testLedger(t, 1)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := ledger.Authorize(ctx, "user-1", 1)
			assert.NoError(t, err)
			results <- allowed
		}()
	}
	wg.Wait()
	close(results)

	// With one unit remaining, exactly one caller may win.
	granted := 0
	for allowed := range results {
		if allowed {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
}

func TestReleaseReturnsReservation(t *testing.T) {
	ledger, _ := testLedger(t, 1)
	ctx := context.Background()

	allowed, _, err := ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, ledger.Release(ctx, "user-1", 1))

	allowed, _, err = ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRecordUsageConvertsReservation(t *testing.T) {
	ledger, _ := testLedger(t, 4)
	ctx := context.Background()

	// Reserve 4, but only 2 images were actually produced.
	allowed, _, err := ledger.Authorize(ctx, "user-1", 4)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, ledger.RecordUsage(ctx, "user-1", 4, 2))

	// 2 units confirmed, reservation fully returned: 2 remain.
	allowed, remaining, err := ledger.Authorize(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestUsageResetsAtPeriodBoundary(t *testing.T) {
	ledger, _ := testLedger(t, 1)
	ctx := context.Background()

	allowed, _, err := ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.NoError(t, ledger.RecordUsage(ctx, "user-1", 1, 1))

	allowed, _, err = ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	require.False(t, allowed)

	// A month later the keys are scoped to a new period, so quota is back.
	base := ledger.now()
	ledger.now = func() time.Time { return base.AddDate(0, 1, 0) }

	allowed, _, err = ledger.Authorize(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizeFailsClosedWhenRedisDown(t *testing.T) {
	ledger, mr := testLedger(t, 5)
	ctx := context.Background()

	mr.Close()

	allowed, _, err := ledger.Authorize(ctx, "user-1", 1)
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestAuthorizeRejectsNonPositiveUnits(t *testing.T) {
	ledger, _ := testLedger(t, 5)

	allowed, _, err := ledger.Authorize(context.Background(), "user-1", 0)
	assert.Error(t, err)
	assert.False(t, allowed)
}
