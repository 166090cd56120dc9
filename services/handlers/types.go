package handlers

import (
	"context"

	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/model"
)

type AdminServiceInterface interface {
	ListSet(ctx context.Context, set string) (*dto.IPListResponse, error)
	ClearSet(ctx context.Context, set string) error
	ListHits(ctx context.Context) ([]dto.HitCount, error)
	ListNotified(ctx context.Context) ([]string, error)
	RecentEvents(ctx context.Context, name string, limit int) ([]model.BlockEvent, error)
}
