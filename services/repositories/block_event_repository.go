package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/block-bots/model"
	"gorm.io/gorm"
)

// BlockEventRepository handles the block event audit table
type BlockEventRepository struct {
	BaseRepository
}

func NewBlockEventRepository(db *gorm.DB) *BlockEventRepository {
	return &BlockEventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *BlockEventRepository) CreateEvent(ctx context.Context, event *model.BlockEvent) error {
	if event.ID == "" {
		id, _ := uuid.NewV7()
		event.ID = id.String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = event.CreatedAt
	}

	return ds.db.WithContext(ctx).Create(event).Error
}

// GetRecentEvents returns the newest events first. An empty name matches
// every event.
func (ds *BlockEventRepository) GetRecentEvents(ctx context.Context, name string, limit int) ([]model.BlockEvent, error) {
	query := ds.db.WithContext(ctx).Order("occurred_at DESC").Limit(limit)
	if name != "" {
		query = query.Where("name = ?", name)
	}

	var events []model.BlockEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (ds *BlockEventRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := ds.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&model.BlockEvent{})
	return result.RowsAffected, result.Error
}
