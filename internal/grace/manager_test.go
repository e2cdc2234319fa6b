package grace

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiry struct {
	key          Key
	connectionID string
}

type recorder struct {
	mu    sync.Mutex
	fired []expiry
}

func (r *recorder) expire(key Key, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, expiry{key: key, connectionID: connectionID})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestScheduleFiresOnceAfterDelay(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(15*time.Second, clk, nil)
	rec := &recorder{}
	key := Key{UserID: "y", RoomID: "r1"}

	m.Schedule(key, "c-y", rec.expire)
	clk.Add(14 * time.Second)
	assert.Equal(t, 0, rec.count())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "c-y", rec.fired[0].connectionID)
	assert.Equal(t, 0, m.Len())
}

func TestCancelPreventsExpiry(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(15*time.Second, clk, nil)
	rec := &recorder{}
	key := Key{UserID: "y", RoomID: "r1"}

	m.Schedule(key, "c-y", rec.expire)
	clk.Add(10 * time.Second)
	require.True(t, m.Cancel(key))
	assert.False(t, m.Cancel(key))

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestDifferentRoomDoesNotCancel(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(15*time.Second, clk, nil)
	rec := &recorder{}

	m.Schedule(Key{UserID: "y", RoomID: "r1"}, "c-y", rec.expire)
	assert.False(t, m.Cancel(Key{UserID: "y", RoomID: "r2"}))

	clk.Add(15 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "r1", rec.fired[0].key.RoomID)
}

func TestRescheduleReplacesTimer(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(15*time.Second, clk, nil)
	rec := &recorder{}
	key := Key{UserID: "y", RoomID: "r1"}

	m.Schedule(key, "c-1", rec.expire)
	clk.Add(10 * time.Second)
	m.Schedule(key, "c-2", rec.expire)

	clk.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	conn, ok := m.Pending(key)
	require.True(t, ok)
	assert.Equal(t, "c-2", conn)

	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c-2", rec.fired[0].connectionID)
}

func TestCancelDuringExpiryFindsNothing(t *testing.T) {
	m := NewManager(time.Millisecond, clock.New(), nil)
	key := Key{UserID: "y", RoomID: "r1"}

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	m.Schedule(key, "c-y", func(Key, string) {
		runs.Add(1)
		close(started)
		<-release
	})

	<-started
	assert.False(t, m.Cancel(key), "a running removal cannot be cancelled")
	close(release)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCloseStopsAllTimers(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(time.Second, clk, nil)
	rec := &recorder{}

	m.Schedule(Key{UserID: "a", RoomID: "r1"}, "c-a", rec.expire)
	m.Schedule(Key{UserID: "b", RoomID: "r1"}, "c-b", rec.expire)
	m.Close()
	m.Schedule(Key{UserID: "c", RoomID: "r1"}, "c-c", rec.expire)

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, m.Len())
}
