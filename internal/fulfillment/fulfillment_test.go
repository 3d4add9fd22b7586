package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"BananaPay/internal/models"
	"BananaPay/internal/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEntitlements struct {
	mu       sync.Mutex
	failures int
	calls    int
	levels   map[string]string
	block    chan struct{}
}

func (r *recordingEntitlements) SetLevel(_ context.Context, account, level string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("account service unavailable")
	}
	if r.levels == nil {
		r.levels = map[string]string{}
	}
	r.levels[account] = level
	return nil
}

func catalog(t *testing.T) *pricing.Catalog {
	c, err := pricing.NewCatalog(nil)
	require.NoError(t, err)
	return c
}

func TestQueueUpgradesAccountLevel(t *testing.T) {
	ent := &recordingEntitlements{failures: 1}
	q := NewQueue(8, 2, ent, catalog(t), nil)
	q.backoff = time.Millisecond
	q.Start(context.Background())

	assert.True(t, q.Enqueue(models.Order{OrderID: "O-1", Plan: "enterprise", PayerAccount: "alice"}))
	assert.True(t, q.Enqueue(models.Order{OrderID: "O-2", Plan: "basic", PayerAccount: "bob"}))
	assert.True(t, q.Enqueue(models.Order{OrderID: "O-3", Plan: "retired-plan", PayerAccount: "carol"}))
	q.Close()

	assert.Equal(t, "enterprise", ent.levels["alice"])
	assert.Equal(t, "basic", ent.levels["bob"])
	assert.NotContains(t, ent.levels, "carol")
	assert.Equal(t, 3, ent.calls)

	assert.False(t, q.Enqueue(models.Order{OrderID: "O-4", Plan: "basic"}), "closed queue rejects jobs")
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	ent := &recordingEntitlements{block: make(chan struct{})}
	q := NewQueue(1, 1, ent, catalog(t), nil)
	q.Start(context.Background())

	// one job held by the worker, one buffered, the rest dropped
	accepted := 0
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			if q.Enqueue(models.Order{OrderID: "O", Plan: "basic", PayerAccount: "a"}) {
				accepted++
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	assert.LessOrEqual(t, accepted, 2)
	close(ent.block)
	q.Close()
}
