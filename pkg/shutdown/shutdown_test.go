package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStagesRunInOrder(t *testing.T) {
	m := NewManager()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) Handler {
		return func(ctx context.Context) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	m.OnShutdown("intake", record("intake"))
	m.OnShutdown("bots", record("bots-a"))
	m.OnShutdown("storage", record("storage"))
	m.OnShutdown("bots", record("bots-b"))

	m.Shutdown(context.Background())

	assert.Len(t, order, 4)
	assert.Equal(t, "intake", order[0])
	assert.ElementsMatch(t, []string{"bots-a", "bots-b"}, order[1:3])
	assert.Equal(t, "storage", order[3])
}

func TestShutdownHonoursDeadline(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("slow", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
	})
	m.OnShutdown("after", func(ctx context.Context) { ran = true })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	assert.False(t, ran)
}
