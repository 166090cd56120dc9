package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/stretchr/testify/require"
)

func newTestAudit(t *testing.T) *AuditService {
	t.Helper()

	store, err := NewSqliteService(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(store.Shutdown)

	return NewAuditService(store.Db())
}

func TestEventServicePublishesToRedis(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	events := NewEventService(redisSvc, nil)
	ctx := context.Background()

	sub := redisSvc.GetClient().Subscribe(ctx, shared.EventsChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	blockDate := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, events.Publish(ctx, dto.BotBlockedEvent{IP: "203.0.113.7", NumberOfHits: 11, BlockDate: blockDate}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope struct {
		Name string              `json:"name"`
		Data dto.BotBlockedEvent `json:"data"`
	}
	require.NoError(t, shared.Unmarshal([]byte(msg.Payload), &envelope))
	require.Equal(t, dto.EventBotBlocked, envelope.Name)
	require.Equal(t, "203.0.113.7", envelope.Data.IP)
	require.Equal(t, int64(11), envelope.Data.NumberOfHits)
}

func TestEventServiceReportsSinkFailure(t *testing.T) {
	mr, redisSvc := newTestRedis(t)
	events := NewEventService(redisSvc, nil)
	mr.Close()

	err := events.Publish(context.Background(), dto.UserBlockedEvent{User: "42", NumberOfHits: 3})
	require.Error(t, err)
}

func TestAuditServiceRecordsEvents(t *testing.T) {
	audit := newTestAudit(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, audit.Record(ctx, dto.UserBlockedEvent{User: "42", NumberOfHits: 6, BlockDate: now.Add(-time.Minute)}))
	require.NoError(t, audit.Record(ctx, dto.CrawlerVerifiedEvent{
		IP:          "66.249.66.1",
		TrackableIP: "66.249.66.1",
		BotKey:      "google",
		Valid:       true,
		VerifiedAt:  now,
	}))

	all, err := audit.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, dto.EventCrawlerVerified, all[0].Name)
	require.NotNil(t, all[0].Valid)
	require.True(t, *all[0].Valid)
	require.Equal(t, "google", all[0].BotKey)

	users, err := audit.Recent(ctx, dto.EventUserBlocked, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "42", users[0].Subject)
	require.Equal(t, int64(6), users[0].NumberOfHits)
}

func TestAuditServiceCleanup(t *testing.T) {
	audit := newTestAudit(t)
	audit.retention = time.Hour
	ctx := context.Background()

	require.NoError(t, audit.Record(ctx, dto.BotBlockedEvent{IP: "198.51.100.1", BlockDate: time.Now().UTC().Add(-2 * time.Hour)}))
	require.NoError(t, audit.Record(ctx, dto.BotBlockedEvent{IP: "198.51.100.2", BlockDate: time.Now().UTC()}))

	removed, err := audit.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	left, err := audit.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "198.51.100.2", left[0].Subject)
}

func TestAuditServiceWithoutDatabase(t *testing.T) {
	audit := NewAuditService(nil)

	require.NoError(t, audit.Record(context.Background(), dto.BotBlockedEvent{IP: "198.51.100.1"}))
	events, err := audit.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, events)
}
