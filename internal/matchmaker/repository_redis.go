package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// key 约定：
//
//	kv  : mm:game:{userId}          -> gameId，带 TTL
//	kv  : mm:lock:...               -> lock token，SET NX PX
//	list: mm:bots                   -> bot userIds，轮转取用
//	set : mm:bot:decks:{botId}      -> bot 的 deckIds
//	chan: mm:cancel                 -> {"userId": ...}
func gameKey(user UserID) string {
	return fmt.Sprintf("mm:game:%s", user)
}
func botDecksKey(bot UserID) string {
	return fmt.Sprintf("mm:bot:decks:%s", bot)
}

const (
	botsKey       = "mm:bots"
	cancelChannel = "mm:cancel"
)

type redisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRegistry stores entries with ttl so that an abandoned game does not
// pin its players forever; ttl <= 0 stores them without expiry.
func NewRedisRegistry(rdb *redis.Client, ttl time.Duration) Registry {
	return &redisRegistry{rdb: rdb, ttl: max(ttl, 0)}
}

func (r *redisRegistry) Get(ctx context.Context, user UserID) (GameID, error) {
	v, err := r.rdb.Get(ctx, gameKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return GameID(v), nil
}

func (r *redisRegistry) Put(ctx context.Context, game GameID, users ...UserID) error {
	p := r.rdb.TxPipeline()
	for _, u := range users {
		p.Set(ctx, gameKey(u), string(game), r.ttl)
	}
	_, err := p.Exec(ctx)
	return err
}

func (r *redisRegistry) Remove(ctx context.Context, users ...UserID) error {
	if len(users) == 0 {
		return nil
	}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, gameKey(u))
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// KEYS[1] = lock key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) Locker {
	return &redisLocker{rdb: rdb}
}

func (r *redisLocker) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	err := pollAcquire(ctx, wait, func() (bool, error) {
		return r.rdb.SetNX(ctx, key, token, lease).Result()
	})
	if err != nil {
		return nil, err
	}
	return &Lock{Key: key, Token: token}, nil
}

func (r *redisLocker) Release(ctx context.Context, l *Lock) error {
	return releaseScript.Run(ctx, r.rdb, []string{l.Key}, l.Token).Err()
}

type cancelMessage struct {
	UserID UserID `json:"userId"`
}

type redisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) CancelBus {
	return &redisBus{rdb: rdb}
}

func (b *redisBus) Publish(ctx context.Context, user UserID) error {
	data, err := json.Marshal(cancelMessage{UserID: user})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, cancelChannel, data).Err()
}

// Subscribe returns once the subscription is confirmed by the server, so a
// Publish issued afterwards is never missed.
func (b *redisBus) Subscribe(ctx context.Context, handle func(UserID)) (func() error, error) {
	ps := b.rdb.Subscribe(ctx, cancelChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var m cancelMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil || m.UserID == "" {
				continue
			}
			handle(m.UserID)
		}
	}()
	return ps.Close, nil
}

type redisBots struct {
	rdb *redis.Client
}

func NewRedisBots(rdb *redis.Client) BotProvider {
	return &redisBots{rdb: rdb}
}

// SeedRedisBots registers bots and their decks.
func SeedRedisBots(ctx context.Context, rdb *redis.Client, bots map[UserID][]DeckID) error {
	p := rdb.TxPipeline()
	for id, decks := range bots {
		p.LRem(ctx, botsKey, 0, string(id))
		p.RPush(ctx, botsKey, string(id))
		if len(decks) > 0 {
			members := make([]any, 0, len(decks))
			for _, d := range decks {
				members = append(members, string(d))
			}
			p.SAdd(ctx, botDecksKey(id), members...)
		}
	}
	_, err := p.Exec(ctx)
	return err
}

// PollBotID rotates the bot list so consecutive polls spread across bots.
func (r *redisBots) PollBotID(ctx context.Context) (UserID, error) {
	id, err := r.rdb.LMove(ctx, botsKey, botsKey, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoBots
	}
	if err != nil {
		return "", err
	}
	return UserID(id), nil
}

func (r *redisBots) RandomDeck(ctx context.Context, bot UserID) (DeckID, error) {
	d, err := r.rdb.SRandMember(ctx, botDecksKey(bot)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return DeckID(d), nil
}
