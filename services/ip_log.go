package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

const IP_LOG_SVC = "ip_log_svc"

// IPLogService writes the enriched line for every log task: hits so far,
// reverse DNS host and, when available, geolocation.
type IPLogService struct {
	appContext.DefaultService

	redisSvc *RedisService
	resolver Resolver
	geo      *GeolocationService
	logger   *log.Logger
}

func NewIPLogService(redisSvc *RedisService, resolver Resolver, geo *GeolocationService) *IPLogService {
	return &IPLogService{redisSvc: redisSvc, resolver: resolver, geo: geo, logger: log.StandardLogger()}
}

func (svc IPLogService) Id() string {
	return IP_LOG_SVC
}

func (svc *IPLogService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.resolver = svc.Service(DNS_SVC).(*DNSResolver)
	if geo, ok := svc.Service(GEOLOCATION_SVC).(*GeolocationService); ok {
		svc.geo = geo
	}
	svc.logger = log.StandardLogger()

	svc.Service(TASK_QUEUE_SVC).(*TaskQueueService).Register(shared.TaskProcessLogWithIPInfo, svc.HandleTask)
	return nil
}

func (svc *IPLogService) HandleTask(ctx context.Context, payload []byte) error {
	var task dto.ProcessLogWithIPInfoTask
	if err := shared.Unmarshal(payload, &task); err != nil {
		return shared.Permanent(fmt.Errorf("%w: %v", shared.ErrInvalidTask, err))
	}
	return svc.Process(ctx, &task)
}

// Process writes one line for task. Allowed outcomes log at info level,
// denials at error level. Enrichment failures degrade the line, never drop it.
func (svc *IPLogService) Process(ctx context.Context, task *dto.ProcessLogWithIPInfoTask) error {
	client := task.Client

	hits := "unknown"
	if value, err := svc.redisSvc.Get(ctx, client.Key); err != nil {
		return fmt.Errorf("failed to read hits for log line: %w", err)
	} else if value != "" {
		hits = value
	}

	host := client.IP
	if svc.resolver != nil {
		if hosts, err := svc.resolver.LookupAddr(ctx, client.IP); err == nil && len(hosts) > 0 {
			host = strings.ToLower(hosts[0])
		}
	}

	fields := log.Fields{
		"ip":         client.IP,
		"host":       host,
		"hits":       hits,
		"user_agent": client.UserAgent,
		"action":     task.Action,
	}
	if client.UserID != "" {
		fields["user_id"] = client.UserID
	}
	if client.URL != "" {
		fields["url"] = client.URL
	}
	if task.Limit > 0 {
		fields["limit"] = strconv.FormatInt(task.Limit, 10)
	}

	if svc.geo != nil {
		if info, err := svc.geo.Lookup(ctx, client.IP); err == nil {
			fields["org"] = info.Org
			fields["city"] = info.City
			fields["region"] = info.Region
			fields["country"] = info.Country
		}
	}

	msg := fmt.Sprintf("[Block-Bots] IP: %s; After %s requests, Host: %s with User agent: %s; was %s",
		client.IP, hits, host, client.UserAgent, task.Action)
	if client.URL != "" {
		msg += " when accessing the URL: " + client.URL
	}

	entry := svc.logger.WithFields(fields)
	switch task.Action {
	case shared.ActionWhitelisted, shared.ActionGoodCrawler:
		entry.Info(msg)
	default:
		entry.Error(msg)
	}
	return nil
}
