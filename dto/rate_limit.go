package dto

import "time"

const (
	ReasonDisabled      = "disabled"
	ReasonModeNever     = "mode_never"
	ReasonModeAlways    = "mode_always"
	ReasonUserAllowed   = "user_allowed"
	ReasonUserBlocked   = "user_blocked"
	ReasonGuestAllowed  = "guest_allowed"
	ReasonGuestBlocked  = "guest_blocked"
	ReasonWhitelisted   = "whitelisted"
	ReasonFakeBot       = "fake_bot"
	ReasonPendingBot    = "pending_bot"
	ReasonLimitExceeded = "limit_exceeded"
)

// Request is what the admission engine needs from the host pipeline.
type Request struct {
	IP          string
	UserID      string
	UserAgent   string
	URL         string
	ExpectsJSON bool
}

// Decision is the admission outcome plus the facts side effects need.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason"`
	Hits          int64     `json:"hits"`
	Limit         int64     `json:"limit"`
	LimitExceeded bool      `json:"limit_exceeded"`
	FirstOverflow bool      `json:"first_overflow"`
	Client        *Client   `json:"client,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

func (d *Decision) Remaining() int64 {
	if d.Hits >= d.Limit {
		return 0
	}
	return d.Limit - d.Hits
}

// HitCount is one row of the administrative hits listing.
type HitCount struct {
	ID   string `json:"id"`
	Hits int64  `json:"hits"`
}

const (
	SetWhitelist = "whitelist"
	SetFake      = "fake"
	SetPending   = "pending"
)

// IPListResponse lists the members of one classification set.
type IPListResponse struct {
	Set   string   `json:"set"`
	IPs   []string `json:"ips"`
	Total int      `json:"total"`
}
