package matchmaker

import (
	"context"
	"database/sql"
	"errors"
)

// pgBots reads the bot pool from Postgres:
//
//	bots(id text primary key, last_polled timestamptz)
//	bot_decks(bot_id text references bots(id), deck_id text)
type pgBots struct {
	db *sql.DB
}

func NewPostgresBots(db *sql.DB) BotProvider {
	return &pgBots{db: db}
}

const pollBotSQL = `
UPDATE bots SET last_polled = now()
WHERE id = (
    SELECT id FROM bots
    ORDER BY last_polled NULLS FIRST
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id`

func (p *pgBots) PollBotID(ctx context.Context) (UserID, error) {
	var id string
	err := p.db.QueryRowContext(ctx, pollBotSQL).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoBots
	}
	if err != nil {
		return "", err
	}
	return UserID(id), nil
}

func (p *pgBots) RandomDeck(ctx context.Context, bot UserID) (DeckID, error) {
	var deck string
	err := p.db.QueryRowContext(ctx,
		`SELECT deck_id FROM bot_decks WHERE bot_id = $1 ORDER BY random() LIMIT 1`, string(bot)).Scan(&deck)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return DeckID(deck), nil
}
