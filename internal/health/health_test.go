package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_AggregatesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Database(pinger{}))
	r.Register("sweep", Loop(true, func() bool { return false }))
	r.Register("reconciliation", Loop(false, nil))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, Status{Name: "sweep", Healthy: false, Detail: "not running"}, statuses[1])
	assert.Equal(t, Status{Name: "reconciliation", Healthy: true, Detail: "disabled"}, statuses[2])
}

func TestDatabase_PingFailure(t *testing.T) {
	st := Database(pinger{err: errors.New("connection refused")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestCircuit(t *testing.T) {
	assert.True(t, Circuit(func() string { return "closed" })(context.Background()).Healthy)
	assert.True(t, Circuit(func() string { return "half_open" })(context.Background()).Healthy)
	assert.False(t, Circuit(func() string { return "open" })(context.Background()).Healthy)
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "slow", statuses[0].Name)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}
