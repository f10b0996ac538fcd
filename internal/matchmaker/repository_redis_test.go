package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	reg := NewRedisRegistry(rdb, time.Minute)

	g, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, g)

	require.NoError(t, reg.Put(ctx, "g1", "alice", "bob"))
	assert.True(t, mr.Exists(gameKey("alice")))
	assert.True(t, mr.Exists(gameKey("bob")))
	g, err = reg.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, GameID("g1"), g)

	require.NoError(t, reg.Remove(ctx, "alice", "bob"))
	assert.False(t, mr.Exists(gameKey("alice")))
	assert.False(t, mr.Exists(gameKey("bob")))
	require.NoError(t, reg.Remove(ctx))
}

func TestRedisRegistryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	reg := NewRedisRegistry(rdb, time.Second)

	require.NoError(t, reg.Put(ctx, "g1", "alice"))
	mr.FastForward(2 * time.Second)
	g, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, g, "orphaned entry should expire")
}

func TestRedisLockerLeaseAndRelease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	locker := NewRedisLocker(rdb)
	key := userLockKey("alice")

	l1, err := locker.Acquire(ctx, key, time.Second, 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, time.Second, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	// a crashed holder never releases; the lease does
	mr.FastForward(2 * time.Second)
	l2, err := locker.Acquire(ctx, key, time.Second, 0)
	require.NoError(t, err)

	// late release by the old holder must not free the new holder's lock
	require.NoError(t, locker.Release(ctx, l1))
	v, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, l2.Token, v)

	require.NoError(t, locker.Release(ctx, l2))
	assert.False(t, mr.Exists(key))
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniredis(t)
	locker := NewRedisLocker(rdb)

	l1, err := locker.Acquire(ctx, botLockKey, time.Minute, 0)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = locker.Release(ctx, l1)
	}()
	l2, err := locker.Acquire(ctx, botLockKey, time.Minute, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Token, l2.Token)
}

func TestRedisBusDeliversCancel(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniredis(t)
	bus := NewRedisBus(rdb)

	got := make(chan UserID, 1)
	unsubscribe, err := bus.Subscribe(ctx, func(u UserID) { got <- u })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, bus.Publish(ctx, "alice"))
	select {
	case u := <-got:
		assert.Equal(t, UserID("alice"), u)
	case <-time.After(time.Second):
		t.Fatal("cancel message not delivered")
	}
}

func TestRedisBotsRotateAndPickDecks(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniredis(t)
	bots := NewRedisBots(rdb)

	_, err := bots.PollBotID(ctx)
	assert.ErrorIs(t, err, ErrNoBots)

	require.NoError(t, SeedRedisBots(ctx, rdb, map[UserID][]DeckID{
		"bot-1": {"aggro", "control"},
		"bot-2": nil,
	}))

	seen := map[UserID]int{}
	for i := 0; i < 4; i++ {
		id, err := bots.PollBotID(ctx)
		require.NoError(t, err)
		seen[id]++
	}
	assert.Equal(t, map[UserID]int{"bot-1": 2, "bot-2": 2}, seen)

	d, err := bots.RandomDeck(ctx, "bot-1")
	require.NoError(t, err)
	assert.Contains(t, []DeckID{"aggro", "control"}, d)

	d, err = bots.RandomDeck(ctx, "bot-2")
	require.NoError(t, err)
	assert.Empty(t, d)
}
