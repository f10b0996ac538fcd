package matchmaker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	UserID string
	DeckID string
	GameID string
)

func NewGameID() GameID { return GameID(uuid.NewString()) }

const DefaultQueue = "default"

// MatchmakingRequest is one call to Matchmake.
type MatchmakingRequest struct {
	UserID    UserID
	DeckID    DeckID
	Timeout   time.Duration
	BotMatch  bool
	BotDeckID DeckID // optional; provider picks when empty
	Queue     string // queue key; DefaultQueue when empty
}

func (r MatchmakingRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}

func (r MatchmakingRequest) queueKey() string {
	if r.Queue == "" {
		return DefaultQueue
	}
	return r.Queue
}

// QueueEntry lives only inside a rendezvous Channel. On "firstUser" it is the
// waiting request plus the GameID it pre-generated; on "secondUser" it is the
// acknowledgement addressed to that GameID.
type QueueEntry struct {
	Request MatchmakingRequest
	GameID  GameID
	Err     error // set on a failed acknowledgement
}

// State is the pairing state machine position of one Matchmake call.
type State int

const (
	StateEntering State = iota
	StateWaitingAsFirst
	StateConsumingAsSecond
	StateMatched
	StateCancelled
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEntering:
		return "ENTERING"
	case StateWaitingAsFirst:
		return "WAITING_AS_FIRST"
	case StateConsumingAsSecond:
		return "CONSUMING_AS_SECOND"
	case StateMatched:
		return "MATCHED"
	case StateCancelled:
		return "CANCELLED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Player is one side of a session request.
type Player struct {
	UserID UserID
	DeckID DeckID
	Bot    bool
}

// SessionRequest is what the Session Creator receives.
type SessionRequest struct {
	GameID  GameID
	Player1 Player
	Player2 Player
}

// SessionInfo is the Session Creator's answer. Pending means allocation is
// still running somewhere and the caller should poll.
type SessionInfo struct {
	GameID    GameID    `json:"gameId"`
	Pending   bool      `json:"pending"`
	URL       string    `json:"url,omitempty"`
	Players   []UserID  `json:"players,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ---------- HTTP ----------

// JoinRequest 前端提交的匹配请求
type JoinRequest struct {
	UserID    string `json:"userId"`
	DeckID    string `json:"deckId"`
	TimeoutMs *int64 `json:"timeoutMs"`
	Bot       bool   `json:"bot"`
	BotDeckID string `json:"botDeckId"`
	Queue     string `json:"queue"`
}

// JoinResponse 返回是否匹配成功
type JoinResponse struct {
	Matched bool   `json:"matched"`
	GameID  GameID `json:"gameId,omitempty"`
	State   string `json:"state"`
}

type CancelRequest struct {
	UserID string `json:"userId"`
}

type ExpireRequest struct {
	GameID string   `json:"gameId"`
	Users  []string `json:"users"`
}

type BotRequest struct {
	UserID    string `json:"userId"`
	DeckID    string `json:"deckId"`
	BotDeckID string `json:"botDeckId"`
}

type VsRequest struct {
	GameID      string `json:"gameId"`
	UserID      string `json:"userId" binding:"required"`
	DeckID      string `json:"deckId"`
	OtherUserID string `json:"otherUserId" binding:"required"`
	OtherDeckID string `json:"otherDeckId"`
}
