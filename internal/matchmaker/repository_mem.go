package matchmaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 内存实现，单进程部署和测试用

type memRegistry struct {
	mu    sync.Mutex
	games map[UserID]GameID
}

func NewMemoryRegistry() Registry {
	return &memRegistry{games: make(map[UserID]GameID)}
}

func (m *memRegistry) Get(ctx context.Context, user UserID) (GameID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.games[user], nil
}

func (m *memRegistry) Put(ctx context.Context, game GameID, users ...UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.games[u] = game
	}
	return nil
}

func (m *memRegistry) Remove(ctx context.Context, users ...UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		delete(m.games, u)
	}
	return nil
}

type memLease struct {
	token   string
	expires time.Time
}

type memLocker struct {
	mu    sync.Mutex
	locks map[string]memLease
}

func NewMemoryLocker() Locker {
	return &memLocker{locks: make(map[string]memLease)}
}

func (m *memLocker) tryLock(key, token string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[key]; ok && time.Now().Before(cur.expires) {
		return false
	}
	m.locks[key] = memLease{token: token, expires: time.Now().Add(lease)}
	return true
}

func (m *memLocker) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	err := pollAcquire(ctx, wait, func() (bool, error) {
		return m.tryLock(key, token, lease), nil
	})
	if err != nil {
		return nil, err
	}
	return &Lock{Key: key, Token: token}, nil
}

func (m *memLocker) Release(ctx context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[l.Key]; ok && cur.token == l.Token {
		delete(m.locks, l.Key)
	}
	return nil
}

type memBus struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(UserID)
}

// NewMemoryBus delivers synchronously inside Publish.
func NewMemoryBus() CancelBus {
	return &memBus{handlers: make(map[int]func(UserID))}
}

func (b *memBus) Publish(ctx context.Context, user UserID) error {
	b.mu.Lock()
	hs := make([]func(UserID), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(user)
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, handle func(UserID)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = handle
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		return nil
	}, nil
}

type memBots struct {
	mu    sync.Mutex
	ids   []UserID
	next  int
	decks map[UserID][]DeckID
}

// NewMemoryBots hands out bots round-robin.
func NewMemoryBots(decks map[UserID][]DeckID) BotProvider {
	b := &memBots{decks: decks}
	for id := range decks {
		b.ids = append(b.ids, id)
	}
	return b
}

func (b *memBots) PollBotID(ctx context.Context) (UserID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", ErrNoBots
	}
	id := b.ids[b.next%len(b.ids)]
	b.next++
	return id, nil
}

func (b *memBots) RandomDeck(ctx context.Context, bot UserID) (DeckID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds := b.decks[bot]
	if len(ds) == 0 {
		return "", nil
	}
	return ds[rand.Intn(len(ds))], nil
}

const lockRetryInterval = 20 * time.Millisecond

// pollAcquire retries try until it succeeds, wait elapses or ctx is done.
func pollAcquire(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
