package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

// HitCounterService keeps one counter per principal per window. Windows are
// aligned to wall-clock boundaries in the configured zone; the expiry is set
// when a window is created and never touched by later increments.
type HitCounterService struct {
	appContext.DefaultService

	redisSvc *RedisService
	cfg      *dto.Configuration
	now      func() time.Time
}

const HIT_COUNTER_SVC = "hit_counter_svc"

func NewHitCounterService(redisSvc *RedisService, cfg *dto.Configuration) *HitCounterService {
	return &HitCounterService{redisSvc: redisSvc, cfg: cfg, now: time.Now}
}

func (svc HitCounterService) Id() string {
	return HIT_COUNTER_SVC
}

func (svc *HitCounterService) Configure(ctx *appContext.Context) error {
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *HitCounterService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.cfg = svc.Service(CONFIG_SVC).(*ConfigService).Config()
	return nil
}

// CountHits records a hit for client and returns the count for the current
// window. A missing counter is created at 1 whatever increment says, since
// opening a window and the first hit are the same event. With increment
// false an existing counter is only read.
func (svc *HitCounterService) CountHits(ctx context.Context, client *dto.Client, frequency string, increment bool) (int64, error) {
	if increment {
		hits, err := svc.redisSvc.IncrementUntil(ctx, client.Key, svc.TimeoutAt(frequency))
		if err != nil {
			return 0, fmt.Errorf("failed to increment hit counter: %w", err)
		}
		return hits, nil
	}

	created, err := svc.openWindow(ctx, client.Key, frequency)
	if err != nil {
		return 0, err
	}
	if created {
		return 1, nil
	}

	value, err := svc.redisSvc.Get(ctx, client.Key)
	if err != nil {
		return 0, fmt.Errorf("failed to read hit counter: %w", err)
	}
	if value == "" {
		// Expired between the two commands.
		return 1, nil
	}
	hits, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt hit counter %s: %w", client.Key, err)
	}
	return hits, nil
}

// MarkNotified sets the one-per-window notification marker for the client's
// trackable IP. It reports true only to the caller that created the marker.
func (svc *HitCounterService) MarkNotified(ctx context.Context, client *dto.Client, frequency string) (bool, error) {
	return svc.openWindow(ctx, client.LogKey, frequency)
}

// openWindow creates key together with its expiry in a single command, so a
// window can never outlive its boundary.
func (svc *HitCounterService) openWindow(ctx context.Context, key, frequency string) (bool, error) {
	created, err := svc.redisSvc.SetNXExpireAt(ctx, key, 1, svc.TimeoutAt(frequency))
	if err != nil {
		return false, fmt.Errorf("failed to open window %s: %w", key, err)
	}
	return created, nil
}

// RetryAfter returns how long until the client's current window closes.
func (svc *HitCounterService) RetryAfter(ctx context.Context, client *dto.Client, frequency string) time.Duration {
	ttl, err := svc.redisSvc.TTL(ctx, client.Key)
	if err == nil && ttl > 0 {
		return ttl
	}
	return time.Until(svc.TimeoutAt(frequency))
}

// TimeoutAt returns when a window opened now for frequency ends.
func (svc *HitCounterService) TimeoutAt(frequency string) time.Time {
	now := time.Now
	if svc.now != nil {
		now = svc.now
	}

	loc := time.UTC
	if svc.cfg != nil {
		loc = svc.cfg.Location()
	}

	return WindowEnd(frequency, now().In(loc))
}

// WindowEnd computes the boundary following now in now's location:
// hourly is one hour later, the others are the start of the next day, month
// or year. Unknown frequencies fall back to daily.
func WindowEnd(frequency string, now time.Time) time.Time {
	loc := now.Location()
	y, m, d := now.Date()

	switch frequency {
	case shared.FrequencyHourly:
		return now.Add(time.Hour)
	case shared.FrequencyMonthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	case shared.FrequencyAnnually:
		return time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)
	case shared.FrequencyDaily:
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}

	log.WithField("frequency", frequency).Warn("Unknown block bots frequency, using daily window")
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
