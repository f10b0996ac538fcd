package matchmaker

import (
	"context"
	"fmt"
	"time"

	"DuelQueue/internal/utils"
	"DuelQueue/internal/websocket"
)

// createMatch asks the session creator for the game, polls while it is
// pending and records the game for both players once it is ready.
func (s *Service) createMatch(ctx context.Context, req SessionRequest) (SessionInfo, error) {
	utils.Log.Debug("createMatch: creating match", "game", req.GameID,
		"user1", req.Player1.UserID, "user2", req.Player2.UserID)

	info, err := s.creator.CreateSession(ctx, req)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session %s: %w", req.GameID, err)
	}

	for i := 0; info.Pending; i++ {
		if i >= s.opts.SessionRetries {
			s.abandon(ctx, req)
			return SessionInfo{}, fmt.Errorf("%w: game %s for %s and %s",
				ErrSessionExhausted, req.GameID, req.Player1.UserID, req.Player2.UserID)
		}
		utils.Log.Debug("createMatch: session pending, retrying", "game", req.GameID, "attempt", i+1)
		select {
		case <-ctx.Done():
			s.abandon(ctx, req)
			return SessionInfo{}, ctx.Err()
		case <-time.After(s.opts.SessionRetryDelay):
		}
		if info, err = s.creator.Connection(ctx, req.GameID); err != nil {
			s.abandon(ctx, req)
			return SessionInfo{}, fmt.Errorf("poll session %s: %w", req.GameID, err)
		}
	}

	if err := s.registry.Put(ctx, req.GameID, req.Player1.UserID, req.Player2.UserID); err != nil {
		return SessionInfo{}, fmt.Errorf("register game %s: %w", req.GameID, err)
	}
	s.notifyMatched(req, info)
	return info, nil
}

// abandon releases both players from a game that never came up, on the
// session creator's side as well as in the registry.
func (s *Service) abandon(ctx context.Context, req SessionRequest) {
	ctx = context.WithoutCancel(ctx)
	if err := s.creator.Abandon(ctx, req.GameID); err != nil {
		utils.Log.Error("createMatch: abandon session", "game", req.GameID, "err", err)
	}
	if err := s.registry.Remove(ctx, req.Player1.UserID, req.Player2.UserID); err != nil {
		utils.Log.Error("createMatch: clear registry", "game", req.GameID, "err", err)
	}
}

func (s *Service) notifyMatched(req SessionRequest, info SessionInfo) {
	if s.hub == nil {
		return
	}
	for _, pair := range [][2]Player{{req.Player1, req.Player2}, {req.Player2, req.Player1}} {
		me, opponent := pair[0], pair[1]
		if me.Bot {
			continue
		}
		s.hub.BroadcastToPlayers([]string{string(me.UserID)}, websocket.OutgoingMessage{
			Event: "matched",
			Data: map[string]any{
				"gameId":   req.GameID,
				"opponent": opponent.UserID,
				"bot":      opponent.Bot,
				"url":      info.URL,
			},
		})
	}
}

// Vs creates a match between two known users without queueing. A new GameID
// is generated when game is empty.
func (s *Service) Vs(ctx context.Context, game GameID, user UserID, deck DeckID, other UserID, otherDeck DeckID) (GameID, error) {
	if user == "" || other == "" {
		return "", fmt.Errorf("%w: both users are required", ErrInvalidRequest)
	}
	if user == other {
		return "", fmt.Errorf("%w: a user cannot play against themselves", ErrInvalidRequest)
	}
	if s.isClosed() {
		return "", ErrClosed
	}
	if game == "" {
		game = NewGameID()
	}
	_, err := s.createMatch(ctx, SessionRequest{
		GameID:  game,
		Player1: Player{UserID: user, DeckID: deck},
		Player2: Player{UserID: other, DeckID: otherDeck},
	})
	if err != nil {
		return "", err
	}
	utils.Log.Debug("vs: users are matched", "user1", user, "user2", other, "game", game)
	return game, nil
}

// Bot matches user against a standby bot. botDeck is picked by the provider
// when empty.
func (s *Service) Bot(ctx context.Context, user UserID, deck, botDeck DeckID) (GameID, error) {
	if user == "" {
		return "", fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}
	if s.isClosed() {
		return "", ErrClosed
	}
	bot, botDeck, err := s.takeBot(ctx, botDeck)
	if err != nil {
		return "", err
	}

	game := NewGameID()
	_, err = s.createMatch(ctx, SessionRequest{
		GameID:  game,
		Player1: Player{UserID: user, DeckID: deck},
		Player2: Player{UserID: bot, DeckID: botDeck, Bot: true},
	})
	if err != nil {
		return "", err
	}
	utils.Log.Debug("bot: created AI game", "user", user, "bot", bot, "game", game)
	return game, nil
}

// takeBot serialises bot selection cluster-wide so concurrent bot requests
// do not race for the same standby bot.
func (s *Service) takeBot(ctx context.Context, botDeck DeckID) (UserID, DeckID, error) {
	lock, err := s.locker.Acquire(ctx, botLockKey, s.opts.BotLockLease, s.opts.BotLockLease)
	if err != nil {
		return "", "", fmt.Errorf("acquire bot lock: %w", err)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			utils.Log.Error("bot: release bot lock", "err", err)
		}
	}()

	bot, err := s.bots.PollBotID(ctx)
	if err != nil {
		return "", "", fmt.Errorf("poll bot: %w", err)
	}
	if botDeck != "" {
		utils.Log.Info("bot: requested bot deck", "bot", bot, "deck", botDeck)
		return bot, botDeck, nil
	}
	if botDeck, err = s.bots.RandomDeck(ctx, bot); err != nil {
		return "", "", fmt.Errorf("pick bot deck: %w", err)
	}
	return bot, botDeck, nil
}
