package dto

import "time"

const (
	EventUserBlocked     = "user_blocked"
	EventBotBlocked      = "bot_blocked"
	EventCrawlerVerified = "crawler_verified"
)

// Event is anything published on the block bots event bus.
type Event interface {
	EventName() string
}

// UserBlockedEvent fires on the first overflow of an authenticated user.
type UserBlockedEvent struct {
	User         string    `json:"user"`
	NumberOfHits int64     `json:"number_of_hits"`
	BlockDate    time.Time `json:"block_date"`
}

func (UserBlockedEvent) EventName() string { return EventUserBlocked }

// BotBlockedEvent fires on the first overflow of a guest.
type BotBlockedEvent struct {
	IP           string    `json:"ip"`
	NumberOfHits int64     `json:"number_of_hits"`
	BlockDate    time.Time `json:"block_date"`
}

func (BotBlockedEvent) EventName() string { return EventBotBlocked }

// CrawlerVerifiedEvent records the outcome of a background crawler check.
type CrawlerVerifiedEvent struct {
	IP          string    `json:"ip"`
	TrackableIP string    `json:"trackable_ip"`
	UserAgent   string    `json:"user_agent"`
	BotKey      string    `json:"bot_key"`
	Valid       bool      `json:"valid"`
	VerifiedAt  time.Time `json:"verified_at"`
}

func (CrawlerVerifiedEvent) EventName() string { return EventCrawlerVerified }

// EventEnvelope is the wire form published to Redis subscribers.
type EventEnvelope struct {
	Name string      `json:"name"`
	Data interface{} `json:"data"`
}
