package services

import (
	"context"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/model"
	"github.com/lac-hong-legacy/block-bots/services/repositories"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const AUDIT_SVC = "audit_svc"

const defaultAuditRetention = 90 * 24 * time.Hour

// AuditService persists every block bots event so operators can review who
// was blocked and which crawlers were confirmed after the Redis windows expire.
type AuditService struct {
	appContext.DefaultService

	repo      *repositories.BlockEventRepository
	retention time.Duration
	stop      chan struct{}
}

func NewAuditService(db *gorm.DB) *AuditService {
	svc := &AuditService{retention: defaultAuditRetention}
	if db != nil {
		svc.repo = repositories.NewBlockEventRepository(db)
	}
	return svc
}

func (svc AuditService) Id() string {
	return AUDIT_SVC
}

func (svc *AuditService) Configure(ctx *appContext.Context) error {
	svc.retention = defaultAuditRetention
	if v := envOr("AUDIT_RETENTION", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			svc.retention = d
		}
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *AuditService) Start() error {
	for _, id := range []string{POSTGRES_SVC, SQLITE_SVC} {
		if db, ok := svc.Service(id).(Database); ok && db.Db() != nil {
			svc.repo = repositories.NewBlockEventRepository(db.Db())
			break
		}
	}
	if svc.repo == nil {
		log.Warn("No database registered, block events will not be persisted")
		return nil
	}

	svc.stop = make(chan struct{})
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := svc.Cleanup(context.Background()); err != nil {
					log.WithError(err).Error("Failed to cleanup block events")
				}
			case <-svc.stop:
				return
			}
		}
	}()
	return nil
}

func (svc *AuditService) Shutdown() {
	if svc.stop != nil {
		close(svc.stop)
		svc.stop = nil
	}
}

// Record stores one event. It is a no-op without a database.
func (svc *AuditService) Record(ctx context.Context, event dto.Event) error {
	if svc.repo == nil {
		return nil
	}

	payload, err := shared.Marshal(event)
	if err != nil {
		return err
	}

	row := model.BlockEvent{
		Name:    event.EventName(),
		Payload: string(payload),
	}

	switch e := event.(type) {
	case dto.UserBlockedEvent:
		row.Subject = e.User
		row.NumberOfHits = e.NumberOfHits
		row.OccurredAt = e.BlockDate
	case dto.BotBlockedEvent:
		row.Subject = e.IP
		row.NumberOfHits = e.NumberOfHits
		row.OccurredAt = e.BlockDate
	case dto.CrawlerVerifiedEvent:
		valid := e.Valid
		row.Subject = e.TrackableIP
		row.BotKey = e.BotKey
		row.Valid = &valid
		row.OccurredAt = e.VerifiedAt
	}

	return HandleError(svc.repo.CreateEvent(ctx, &row))
}

// Recent returns the newest events first, optionally filtered by name.
func (svc *AuditService) Recent(ctx context.Context, name string, limit int) ([]model.BlockEvent, error) {
	if svc.repo == nil {
		return []model.BlockEvent{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := svc.repo.GetRecentEvents(ctx, name, limit)
	if err != nil {
		return nil, HandleError(err)
	}
	return events, nil
}

// Cleanup removes events older than the retention period.
func (svc *AuditService) Cleanup(ctx context.Context) (int64, error) {
	if svc.repo == nil {
		return 0, nil
	}

	removed, err := svc.repo.DeleteEventsBefore(ctx, time.Now().UTC().Add(-svc.retention))
	if err != nil {
		return 0, HandleError(err)
	}
	if removed > 0 {
		log.WithField("rows", removed).Info("Cleaned up expired block events")
	}
	return removed, nil
}
