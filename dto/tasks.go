package dto

import "time"

// Task is the queued unit of asynchronous work. Payload holds the JSON
// encoding of the type-specific struct.
type Task struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CheckIfBotIsRealTask asks the worker to confirm a crawler claim. It carries
// the crawler table in force when the request was admitted.
type CheckIfBotIsRealTask struct {
	Client           Client              `json:"client"`
	AllowedBots      map[string]string   `json:"allowed_bots"`
	BotCIDRs         map[string][]string `json:"bot_cidrs"`
	IPv6PrefixLength int                 `json:"ipv6_prefix_length"`
	Log              bool                `json:"log"`
}

// ProcessLogWithIPInfoTask asks the worker to write an enriched log line.
type ProcessLogWithIPInfoTask struct {
	Client Client `json:"client"`
	Action string `json:"action"`
	Limit  int64  `json:"limit,omitempty"`
}

// IPInfo is the enrichment attached to log lines.
type IPInfo struct {
	IP      string `json:"ip"`
	Org     string `json:"org"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}
