package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/model"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

const ADMIN_SVC = "admin_svc"

// AdminService exposes the stored classification state for operators.
type AdminService struct {
	appContext.DefaultService

	redisSvc *RedisService
	audit    *AuditService
	cfg      *dto.Configuration
}

func NewAdminService(redisSvc *RedisService, audit *AuditService, cfg *dto.Configuration) *AdminService {
	return &AdminService{redisSvc: redisSvc, audit: audit, cfg: cfg}
}

func (svc AdminService) Id() string {
	return ADMIN_SVC
}

func (svc *AdminService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.cfg = svc.Service(CONFIG_SVC).(*ConfigService).Config()
	if audit, ok := svc.Service(AUDIT_SVC).(*AuditService); ok {
		svc.audit = audit
	}
	return nil
}

// ListSet returns the sorted members of one of the classification sets:
// "whitelist", "fake" or "pending".
func (svc *AdminService) ListSet(ctx context.Context, set string) (*dto.IPListResponse, error) {
	key, err := svc.setKey(set)
	if err != nil {
		return nil, err
	}

	members, err := svc.redisSvc.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	return &dto.IPListResponse{Set: set, IPs: members, Total: len(members)}, nil
}

// ClearSet empties one classification set. Clearing the whitelist makes
// every crawler go through verification again; clearing the pending set also
// drops the in-flight markers so the next crawler request dispatches anew.
func (svc *AdminService) ClearSet(ctx context.Context, set string) error {
	key, err := svc.setKey(set)
	if err != nil {
		return err
	}

	keys := []string{key}
	if strings.EqualFold(set, dto.SetPending) {
		markers, err := svc.redisSvc.ScanKeys(ctx, shared.PendingKeyPrefix+"*")
		if err != nil {
			return err
		}
		keys = append(keys, markers...)
	}

	if err := svc.redisSvc.Delete(ctx, keys...); err != nil {
		return err
	}
	log.WithField("set", set).Info("Cleared block bots set")
	return nil
}

func (svc *AdminService) setKey(set string) (string, error) {
	switch strings.ToLower(set) {
	case dto.SetWhitelist:
		return svc.cfg.WhitelistKey, nil
	case dto.SetFake:
		return svc.cfg.FakeBotListKey, nil
	case dto.SetPending:
		return svc.cfg.PendingBotListKey, nil
	}
	return "", shared.NewAppError(http.StatusBadRequest, fmt.Sprintf("unknown set %q", set), nil)
}

// ListHits returns every live counter, busiest first.
func (svc *AdminService) ListHits(ctx context.Context) ([]dto.HitCount, error) {
	keys, err := svc.redisSvc.ScanKeys(ctx, shared.HitsKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	counts := make([]dto.HitCount, 0, len(keys))
	for _, key := range keys {
		value, err := svc.redisSvc.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		// Expired between SCAN and GET.
		if value == "" {
			continue
		}
		hits, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("Skipping malformed hit counter")
			continue
		}
		counts = append(counts, dto.HitCount{ID: strings.TrimPrefix(key, shared.HitsKeyPrefix), Hits: hits})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Hits != counts[j].Hits {
			return counts[i].Hits > counts[j].Hits
		}
		return counts[i].ID < counts[j].ID
	})
	return counts, nil
}

// ListNotified returns the trackable IPs already logged as blocked in their
// current window.
func (svc *AdminService) ListNotified(ctx context.Context) ([]string, error) {
	keys, err := svc.redisSvc.ScanKeys(ctx, shared.NotifiedKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	ips := make([]string, 0, len(keys))
	for _, key := range keys {
		ips = append(ips, strings.TrimPrefix(key, shared.NotifiedKeyPrefix))
	}
	sort.Strings(ips)
	return ips, nil
}

func (svc *AdminService) RecentEvents(ctx context.Context, name string, limit int) ([]model.BlockEvent, error) {
	if svc.audit == nil {
		return []model.BlockEvent{}, nil
	}
	return svc.audit.Recent(ctx, name, limit)
}
