package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"DuelQueue/internal/utils"
)

type Options struct {
	// LockLease bounds how long a crashed node can pin a user. Zero derives
	// it from the request timeout plus the session-creation budget.
	LockLease time.Duration
	LockWait  time.Duration

	SessionRetries    int
	SessionRetryDelay time.Duration

	// ClaimGrace is how long a claimed first arriver keeps waiting for its
	// acknowledgement. Zero means SessionRetries*SessionRetryDelay + 5s.
	ClaimGrace time.Duration

	BotLockLease time.Duration

	// Queues restricts the accepted queue keys; empty accepts any key.
	Queues []string
}

func DefaultOptions() Options {
	return Options{
		LockWait:          350 * time.Millisecond,
		SessionRetries:    4,
		SessionRetryDelay: 500 * time.Millisecond,
		BotLockLease:      30 * time.Second,
	}
}

func (o Options) claimGrace() time.Duration {
	if o.ClaimGrace > 0 {
		return o.ClaimGrace
	}
	return time.Duration(o.SessionRetries)*o.SessionRetryDelay + 5*time.Second
}

func (o Options) lease(timeout time.Duration) time.Duration {
	if o.LockLease > 0 {
		return o.LockLease
	}
	return timeout + o.claimGrace() + time.Second
}

type Deps struct {
	Registry Registry
	Locker   Locker
	Bus      CancelBus
	Creator  SessionCreator
	Bots     BotProvider
	Hub      HubBroadcaster // optional
}

// Service is the per-process matchmaking coordinator. Build it with
// NewService and tear it down with Close.
type Service struct {
	registry Registry
	locker   Locker
	bus      CancelBus
	creator  SessionCreator
	bots     BotProvider
	hub      HubBroadcaster
	opts     Options

	mu          sync.Mutex
	queues      map[string]*queue
	tasks       map[UserID]context.CancelCauseFunc // local cancellation registry
	closed      bool
	unsubscribe func() error
}

func NewService(ctx context.Context, deps Deps, opts Options) (*Service, error) {
	if deps.Registry == nil || deps.Locker == nil || deps.Bus == nil || deps.Creator == nil || deps.Bots == nil {
		return nil, errors.New("matchmaker: missing dependency")
	}
	s := &Service{
		registry: deps.Registry,
		locker:   deps.Locker,
		bus:      deps.Bus,
		creator:  deps.Creator,
		bots:     deps.Bots,
		hub:      deps.Hub,
		opts:     opts,
		queues:   make(map[string]*queue),
		tasks:    make(map[UserID]context.CancelCauseFunc),
	}
	unsubscribe, err := s.bus.Subscribe(ctx, s.interrupt)
	if err != nil {
		return nil, fmt.Errorf("subscribe to cancellation bus: %w", err)
	}
	s.unsubscribe = unsubscribe
	return s, nil
}

// Close interrupts every local matchmaking call and stops listening for
// cancellations. Matchmake fails with ErrClosed afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.tasks {
		cancel(ErrClosed)
	}
	s.mu.Unlock()
	return s.unsubscribe()
}

// Matchmake pairs req.UserID with another waiting user, or with a bot when
// req.BotMatch is set. An empty GameID with a nil error means no match: the
// returned State tells a timeout from a cancellation.
func (s *Service) Matchmake(ctx context.Context, req MatchmakingRequest) (GameID, State, error) {
	if err := req.Validate(); err != nil {
		return "", StateEntering, err
	}
	if s.isClosed() {
		return "", StateEntering, ErrClosed
	}
	if len(s.opts.Queues) > 0 && !slices.Contains(s.opts.Queues, req.queueKey()) {
		return "", StateEntering, fmt.Errorf("%w: unknown queue %q", ErrInvalidRequest, req.queueKey())
	}
	start := time.Now()
	deadline := start.Add(req.Timeout)

	lock, err := s.locker.Acquire(ctx, userLockKey(req.UserID), s.opts.lease(req.Timeout), s.opts.LockWait)
	if errors.Is(err, ErrLockTimeout) {
		return "", StateEntering, fmt.Errorf("%w: user %s: %w", ErrConflict, req.UserID, err)
	}
	if err != nil {
		return "", StateEntering, fmt.Errorf("acquire user lock: %w", err)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			utils.Log.Error("matchmake: release user lock", "user", req.UserID, "err", err)
		}
	}()

	game, err := s.registry.Get(ctx, req.UserID)
	if err != nil {
		return "", StateEntering, fmt.Errorf("lookup current game: %w", err)
	}
	if game != "" {
		utils.Log.Debug("matchmake: user already has a game", "user", req.UserID, "game", game)
		return game, StateMatched, nil
	}

	if req.BotMatch {
		utils.Log.Debug("matchmake: user is getting a bot game", "user", req.UserID)
		game, err := s.Bot(ctx, req.UserID, req.DeckID, req.BotDeckID)
		if err != nil {
			return "", StateFailed, err
		}
		return game, StateMatched, nil
	}

	taskCtx, done, err := s.register(ctx, req.UserID)
	if err != nil {
		return "", StateEntering, err
	}
	defer done()

	game, state, err := s.pair(taskCtx, req, deadline)
	utils.Log.Info("matchmake: finished",
		"user", req.UserID, "queue", req.queueKey(), "state", state, "game", game,
		"elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		utils.Log.Error("matchmake: pairing failed", "user", req.UserID, "err", err)
	}
	return game, state, err
}

// pair runs the rendezvous inside the admission gate.
func (s *Service) pair(ctx context.Context, req MatchmakingRequest, deadline time.Time) (GameID, State, error) {
	q := s.queue(req.queueKey())
	if !q.gate.Acquire(ctx, time.Until(deadline)) {
		return "", interruptedState(ctx), nil
	}
	defer q.gate.Release()

	entry := &QueueEntry{Request: req, GameID: NewGameID()}
	if q.first.TrySend(entry) {
		return s.waitAsFirst(ctx, q, entry, deadline)
	}
	return s.consumeAsSecond(ctx, q, req, deadline)
}

func (s *Service) waitAsFirst(ctx context.Context, q *queue, entry *QueueEntry, deadline time.Time) (GameID, State, error) {
	utils.Log.Debug("matchmake: waiting as first", "user", entry.Request.UserID, "queue", q.key)
	for {
		ack, err := q.second.Receive(ctx, time.Until(deadline))
		if err != nil {
			if q.first.Withdraw(entry) {
				return "", interruptedState(ctx), nil
			}
			// A second arriver claimed us while we were giving up; the match
			// is in flight and cancellation no longer applies.
			return s.awaitClaimedAck(q, entry)
		}
		if ack.GameID != entry.GameID {
			continue
		}
		if ack.Err != nil {
			return "", StateFailed, ack.Err
		}
		return ack.GameID, StateMatched, nil
	}
}

func (s *Service) awaitClaimedAck(q *queue, entry *QueueEntry) (GameID, State, error) {
	grace := time.Now().Add(s.opts.claimGrace())
	for {
		ack, err := q.second.Receive(context.Background(), time.Until(grace))
		if err != nil {
			utils.Log.Warn("matchmake: claimed but never acknowledged",
				"user", entry.Request.UserID, "game", entry.GameID, "grace", s.opts.claimGrace())
			return "", StateTimedOut, nil
		}
		if ack.GameID != entry.GameID {
			continue
		}
		if ack.Err != nil {
			return "", StateFailed, ack.Err
		}
		return ack.GameID, StateMatched, nil
	}
}

func (s *Service) consumeAsSecond(ctx context.Context, q *queue, req MatchmakingRequest, deadline time.Time) (GameID, State, error) {
	first, err := q.first.Receive(ctx, time.Until(deadline))
	if err != nil {
		return "", interruptedState(ctx), nil
	}

	// The first arriver is ours now. Finish the match even if we are
	// cancelled, and always acknowledge so it does not wait in vain.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.claimGrace())
	defer cancel()
	game, err := s.matchClaimed(mctx, first, req)
	if !q.acknowledge(&QueueEntry{Request: req, GameID: first.GameID, Err: err}, s.opts.claimGrace()) {
		utils.Log.Warn("matchmake: acknowledgement not picked up", "first", first.Request.UserID, "game", first.GameID)
	}
	if err != nil {
		return "", StateFailed, err
	}
	utils.Log.Debug("matchmake: paired", "first", first.Request.UserID, "second", req.UserID, "game", game)
	return game, StateMatched, nil
}

func (s *Service) matchClaimed(ctx context.Context, first *QueueEntry, req MatchmakingRequest) (game GameID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("match creation panicked: %v", r)
		}
	}()
	_, err = s.createMatch(ctx, SessionRequest{
		GameID:  first.GameID,
		Player1: Player{UserID: first.Request.UserID, DeckID: first.Request.DeckID},
		Player2: Player{UserID: req.UserID, DeckID: req.DeckID},
	})
	if err != nil {
		return "", err
	}
	return first.GameID, nil
}

func interruptedState(ctx context.Context) State {
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return StateCancelled
	}
	return StateTimedOut
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) queue(key string) *queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = newQueue(key)
		s.queues[key] = q
	}
	return q
}

// register puts user in the local cancellation registry. The returned
// context is cancelled with ErrCancelled when a cancel for user arrives.
func (s *Service) register(ctx context.Context, user UserID) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if _, ok := s.tasks[user]; ok {
		return nil, nil, fmt.Errorf("%w: %w", ErrConflict, ErrAlreadyQueued)
	}
	taskCtx, cancel := context.WithCancelCause(ctx)
	s.tasks[user] = cancel
	return taskCtx, func() {
		s.mu.Lock()
		delete(s.tasks, user)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

func (s *Service) interrupt(user UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tasks[user]; ok {
		utils.Log.Debug("matchmake: interrupting local task", "user", user)
		cancel(ErrCancelled)
	}
}

// Cancel asks whichever node runs user's matchmaking call to give up.
func (s *Service) Cancel(ctx context.Context, user UserID) error {
	if user == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}
	return s.bus.Publish(ctx, user)
}

// CurrentMatch returns "" when user is not in a game.
func (s *Service) CurrentMatch(ctx context.Context, user UserID) (GameID, error) {
	if user == "" {
		return "", fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}
	return s.registry.Get(ctx, user)
}

// ExpireOrEndMatch frees users to matchmake again. It does not touch the
// game session itself.
func (s *Service) ExpireOrEndMatch(ctx context.Context, game GameID, users []UserID) error {
	if len(users) == 0 {
		return fmt.Errorf("%w: no users to expire", ErrInvalidRequest)
	}
	utils.Log.Debug("expireOrEndMatch: expiring match", "game", game, "users", users)
	return s.registry.Remove(ctx, users...)
}
