package model

import "time"

// BlockEvent is the durable audit row for every event published on the bus.
type BlockEvent struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Name         string    `json:"name" gorm:"not null;index;size:50"`
	Subject      string    `json:"subject" gorm:"not null;index;size:255"`
	NumberOfHits int64     `json:"number_of_hits" gorm:"default:0;not null"`
	BotKey       string    `json:"bot_key,omitempty" gorm:"size:100"`
	Valid        *bool     `json:"valid,omitempty"`
	Payload      string    `json:"payload" gorm:"type:text"`
	OccurredAt   time.Time `json:"occurred_at" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
}
