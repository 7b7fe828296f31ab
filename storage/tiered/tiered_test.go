package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

// failingLog errors on every call
type failingLog struct{}

func (failingLog) Seen(context.Context, string, string) (bool, error) {
	return false, errors.New("unavailable")
}

func (failingLog) MarkProcessed(context.Context, string, string) error {
	return errors.New("unavailable")
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		log, err := New(Config{Hot: billing.NewMemoryEventLog(time.Hour), Cold: billing.NewMemoryEventLog(time.Hour)})
		assert.NoError(t, err)
		assert.NotNil(t, log)
		assert.NoError(t, log.Close())
	})

	t.Run("nil hot log", func(t *testing.T) {
		log, err := New(Config{Cold: billing.NewMemoryEventLog(time.Hour)})
		assert.Error(t, err)
		assert.Nil(t, log)
		assert.Contains(t, err.Error(), "hot and cold logs are required")
	})

	t.Run("nil cold log", func(t *testing.T) {
		log, err := New(Config{Hot: billing.NewMemoryEventLog(time.Hour)})
		assert.Error(t, err)
		assert.Nil(t, log)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		log, err := New(Config{
			Hot:           billing.NewMemoryEventLog(time.Hour),
			Cold:          billing.NewMemoryEventLog(time.Hour),
			AsyncHotWrite: true,
		})
		require.NoError(t, err)
		defer log.Close()
		assert.Equal(t, 1000, cap(log.syncQueue))
	})
}

func TestEventLog_SeenReadsThroughAndRepairsHot(t *testing.T) {
	hot := billing.NewMemoryEventLog(time.Hour)
	cold := billing.NewMemoryEventLog(time.Hour)
	log, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.MarkProcessed(ctx, "stripe", "evt_1"))

	seen, err := log.Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = hot.Seen(ctx, "stripe", "evt_1")
	assert.True(t, seen, "cold hit should populate hot")

	seen, err = log.Seen(ctx, "stripe", "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestEventLog_SeenFallsBackWhenHotFails(t *testing.T) {
	cold := billing.NewMemoryEventLog(time.Hour)
	log, err := New(Config{Hot: failingLog{}, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, log.MarkProcessed(ctx, "revenuecat", "evt_1"))
	seen, err := log.Seen(ctx, "revenuecat", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestEventLog_MarkProcessedFailsWhenColdFails(t *testing.T) {
	hot := billing.NewMemoryEventLog(time.Hour)
	log, err := New(Config{Hot: hot, Cold: failingLog{}})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, log.MarkProcessed(ctx, "stripe", "evt_1"))
	seen, _ := hot.Seen(ctx, "stripe", "evt_1")
	assert.False(t, seen, "hot must not record what cold rejected")

	_, err = log.Seen(ctx, "stripe", "evt_1")
	assert.Error(t, err)
}

func TestEventLog_AsyncHotWrite(t *testing.T) {
	hot := billing.NewMemoryEventLog(time.Hour)
	cold := billing.NewMemoryEventLog(time.Hour)
	log, err := New(Config{Hot: hot, Cold: cold, AsyncHotWrite: true})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, log.MarkProcessed(ctx, "stripe", "evt_1"))
	require.NoError(t, log.Close())

	seen, _ := hot.Seen(ctx, "stripe", "evt_1")
	assert.True(t, seen, "close should drain queued hot writes")
	seen, _ = cold.Seen(ctx, "stripe", "evt_1")
	assert.True(t, seen)

	assert.NoError(t, log.Close(), "close is idempotent")
}

func TestEventLog_AsyncErrorHandler(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	log, err := New(Config{
		Hot:           failingLog{},
		Cold:          billing.NewMemoryEventLog(time.Hour),
		AsyncHotWrite: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, log.MarkProcessed(context.Background(), "stripe", "evt_1"))
	require.NoError(t, log.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "tiered hot write failed")
}
