package services

import (
	"context"
	"errors"
	"fmt"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

// EventDispatcher announces block bots events to whoever listens.
type EventDispatcher interface {
	Publish(ctx context.Context, event dto.Event) error
}

const EVENTS_SVC = "events_svc"

// EventService writes each event to the log, the Redis events channel and the
// audit trail. A failing sink does not stop the others.
type EventService struct {
	appContext.DefaultService

	redisSvc *RedisService
	auditSvc *AuditService
	channel  string
}

func NewEventService(redisSvc *RedisService, auditSvc *AuditService) *EventService {
	return &EventService{redisSvc: redisSvc, auditSvc: auditSvc, channel: shared.EventsChannel}
}

func (svc EventService) Id() string {
	return EVENTS_SVC
}

func (svc *EventService) Configure(ctx *appContext.Context) error {
	svc.channel = shared.EventsChannel
	return svc.DefaultService.Configure(ctx)
}

func (svc *EventService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	if audit, ok := svc.Service(AUDIT_SVC).(*AuditService); ok {
		svc.auditSvc = audit
	}
	return nil
}

func (svc *EventService) Publish(ctx context.Context, event dto.Event) error {
	log.WithFields(log.Fields{
		"event": event.EventName(),
		"data":  event,
	}).Info("Block bots event")

	var errs []error

	if svc.redisSvc != nil {
		body, err := shared.Marshal(dto.EventEnvelope{Name: event.EventName(), Data: event})
		if err == nil {
			err = svc.redisSvc.Publish(ctx, svc.channel, body)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", event.EventName(), err))
		}
	}

	if svc.auditSvc != nil {
		if err := svc.auditSvc.Record(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("audit %s: %w", event.EventName(), err))
		}
	}

	return errors.Join(errs...)
}
