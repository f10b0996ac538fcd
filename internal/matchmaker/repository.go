package matchmaker

import (
	"context"
	"time"

	"DuelQueue/internal/websocket"
)

// Registry is the cluster-wide user -> game map. Get returns "" when the user
// has no game.
type Registry interface {
	Get(ctx context.Context, user UserID) (GameID, error)
	Put(ctx context.Context, game GameID, users ...UserID) error
	Remove(ctx context.Context, users ...UserID) error
}

// Lock is a held lease. Token identifies the holder so that a release after
// expiry cannot free somebody else's lock.
type Lock struct {
	Key   string
	Token string
}

// Locker hands out leased mutual-exclusion locks. Acquire gives up with
// ErrLockTimeout once wait has elapsed.
type Locker interface {
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lock, error)
	Release(ctx context.Context, l *Lock) error
}

// CancelBus broadcasts cancel signals keyed by user to every node.
type CancelBus interface {
	Publish(ctx context.Context, user UserID) error
	Subscribe(ctx context.Context, handle func(UserID)) (unsubscribe func() error, err error)
}

// BotProvider supplies standby opponents.
type BotProvider interface {
	PollBotID(ctx context.Context) (UserID, error)
	RandomDeck(ctx context.Context, bot UserID) (DeckID, error)
}

// SessionCreator allocates the actual game. Connection is polled while a
// created session reports Pending. Abandon drops a game that never came up;
// it must not fail for an unknown game.
type SessionCreator interface {
	CreateSession(ctx context.Context, req SessionRequest) (SessionInfo, error)
	Connection(ctx context.Context, game GameID) (SessionInfo, error)
	Abandon(ctx context.Context, game GameID) error
}

type HubBroadcaster interface {
	BroadcastToPlayers(users []string, msg websocket.OutgoingMessage)
}

func userLockKey(user UserID) string {
	return "mm:lock:user:" + string(user)
}

const botLockKey = "mm:lock:takingBot"
