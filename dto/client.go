package dto

import (
	"github.com/lac-hong-legacy/block-bots/shared"
)

// Client is the request-scoped identity of a caller. It is derived fresh for
// every request and never persisted as a whole.
type Client struct {
	// ID is the authenticated user id, or TrackableIP for guests.
	ID string `json:"id"`
	// UserID is empty for guests.
	UserID string `json:"user_id,omitempty"`
	// IP is the original client address, used for DNS checks and logs.
	IP string `json:"ip"`
	// TrackableIP is IP for IPv4 and the IPv6 prefix otherwise. Counting
	// dedup of log lines and every classification set use it.
	TrackableIP string `json:"trackable_ip"`
	UserAgent   string `json:"user_agent"`
	URL         string `json:"url"`
	// Key holds the hit counter, scoped by principal.
	Key string `json:"key"`
	// LogKey holds the notification marker, scoped by network locality.
	LogKey string `json:"log_key"`
}

func NewClient(ip, userID, userAgent, url string, ipv6PrefixLength int) *Client {
	trackable := shared.GetTrackableIP(ip, ipv6PrefixLength)

	id := trackable
	if userID != "" {
		id = userID
	}

	return &Client{
		ID:          id,
		UserID:      userID,
		IP:          ip,
		TrackableIP: trackable,
		UserAgent:   userAgent,
		URL:         url,
		Key:         HitsKey(id),
		LogKey:      NotifiedKey(trackable),
	}
}

func (c *Client) IsAuthenticated() bool {
	return c.UserID != ""
}

func HitsKey(id string) string {
	return shared.HitsKeyPrefix + id
}

func NotifiedKey(trackableIP string) string {
	return shared.NotifiedKeyPrefix + trackableIP
}

// PendingKey marks a crawler verification in flight for trackableIP.
func PendingKey(trackableIP string) string {
	return shared.PendingKeyPrefix + trackableIP
}
