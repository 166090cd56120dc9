package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

const BOT_VERIFICATION_SVC = "bot_verification_svc"

const (
	verificationTimeout = 10 * time.Second
	// A verification that has not settled by then is dispatched again.
	pendingVerificationTTL = 15 * time.Minute
)

// BotVerificationService owns the whitelist, fake bot and pending sets. The
// request path only reads and adds to them; DNS work happens in Verify, which
// runs on the task workers.
type BotVerificationService struct {
	appContext.DefaultService

	redisSvc   *RedisService
	resolver   Resolver
	dispatcher TaskDispatcher
	events     EventDispatcher
	monitoring *MonitoringService
	cfg        *dto.Configuration
}

func NewBotVerificationService(redisSvc *RedisService, resolver Resolver, dispatcher TaskDispatcher, events EventDispatcher, cfg *dto.Configuration) *BotVerificationService {
	return &BotVerificationService{
		redisSvc:   redisSvc,
		resolver:   resolver,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
	}
}

func (svc BotVerificationService) Id() string {
	return BOT_VERIFICATION_SVC
}

func (svc *BotVerificationService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.resolver = svc.Service(DNS_SVC).(*DNSResolver)
	svc.events = svc.Service(EVENTS_SVC).(*EventService)
	svc.cfg = svc.Service(CONFIG_SVC).(*ConfigService).Config()
	if m, ok := svc.Service(MONITORING_SVC).(*MonitoringService); ok {
		svc.monitoring = m
	}

	queue := svc.Service(TASK_QUEUE_SVC).(*TaskQueueService)
	svc.dispatcher = queue
	queue.Register(shared.TaskCheckIfBotIsReal, svc.HandleTask)
	return nil
}

// IsWhitelisted reports whether client's trackable IP is durably allowed or
// matches the static whitelist. A static match is copied into the durable set
// and logged once. Store errors read as "not whitelisted".
func (svc *BotVerificationService) IsWhitelisted(ctx context.Context, client *dto.Client) bool {
	member, err := svc.redisSvc.SIsMember(ctx, svc.cfg.WhitelistKey, client.TrackableIP)
	if err != nil {
		log.WithError(err).WithField("ip", client.TrackableIP).Warn("Whitelist lookup failed")
	} else if member {
		return true
	}

	if !shared.IPInAnyCIDR(client.IP, svc.cfg.WhitelistIPs) && !shared.IPInAnyCIDR(client.TrackableIP, svc.cfg.WhitelistIPs) {
		return false
	}

	added, err := svc.redisSvc.SAdd(ctx, svc.cfg.WhitelistKey, client.TrackableIP)
	if err != nil {
		log.WithError(err).WithField("ip", client.TrackableIP).Warn("Failed to store whitelisted IP")
	}
	if added > 0 && svc.cfg.Log {
		svc.dispatchLog(ctx, client, shared.ActionWhitelisted)
	}
	return true
}

// IsFakeBot reports whether client's trackable IP failed a previous check.
// Store errors read as "not fake".
func (svc *BotVerificationService) IsFakeBot(ctx context.Context, client *dto.Client) bool {
	member, err := svc.redisSvc.SIsMember(ctx, svc.cfg.FakeBotListKey, client.TrackableIP)
	if err != nil {
		log.WithError(err).WithField("ip", client.TrackableIP).Warn("Fake bot lookup failed")
		return false
	}
	return member
}

// IsAllowedBot reports whether the user agent claims to be a known crawler.
// The first claim from a trackable IP is queued for verification; the claim
// is honoured until the verification settles. The pending marker expires, so
// a lost verification is queued again by a later request.
func (svc *BotVerificationService) IsAllowedBot(ctx context.Context, client *dto.Client, bots map[string]string) bool {
	if _, ok := MatchBot(client.UserAgent, bots); !ok {
		return false
	}

	entry := log.WithField("ip", client.TrackableIP)

	if _, err := svc.redisSvc.SAdd(ctx, svc.cfg.PendingBotListKey, client.TrackableIP); err != nil {
		entry.WithError(err).Warn("Failed to mark crawler as pending")
		return true
	}

	marker := dto.PendingKey(client.TrackableIP)
	claimed, err := svc.redisSvc.SetNXWithTTL(ctx, marker, 1, pendingVerificationTTL)
	if err != nil {
		entry.WithError(err).Warn("Failed to claim crawler verification")
		return true
	}
	if !claimed {
		return true
	}

	task := dto.CheckIfBotIsRealTask{
		Client:           *client,
		AllowedBots:      bots,
		BotCIDRs:         svc.cfg.BotCIDRs,
		IPv6PrefixLength: svc.cfg.IPv6PrefixLength,
		Log:              svc.cfg.Log,
	}
	if err := svc.dispatcher.Enqueue(ctx, shared.TaskCheckIfBotIsReal, task); err != nil {
		entry.WithError(err).Error("Failed to dispatch crawler verification")
		// Let the next request from this address try again.
		if remErr := svc.redisSvc.SRem(ctx, svc.cfg.PendingBotListKey, client.TrackableIP); remErr != nil {
			entry.WithError(remErr).Warn("Failed to clear pending crawler")
		}
		if delErr := svc.redisSvc.Delete(ctx, marker); delErr != nil {
			entry.WithError(delErr).Warn("Failed to release crawler verification")
		}
	}
	return true
}

// Classify runs the synchronous checks in order: whitelist, fake bot list,
// crawler signature.
func (svc *BotVerificationService) Classify(ctx context.Context, client *dto.Client, bots map[string]string) (bool, string) {
	if svc.IsWhitelisted(ctx, client) {
		return true, dto.ReasonWhitelisted
	}
	if svc.IsFakeBot(ctx, client) {
		return false, dto.ReasonFakeBot
	}
	if svc.IsAllowedBot(ctx, client, bots) {
		return true, dto.ReasonPendingBot
	}
	return false, ""
}

// MatchBot returns the crawler table key contained in userAgent, compared
// case-insensitively. When several keys match the longest wins, so "msnbot"
// is preferred over "msn".
func MatchBot(userAgent string, bots map[string]string) (string, bool) {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return "", false
	}

	keys := make([]string, 0, len(bots))
	for k := range bots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	found := ""
	for _, k := range keys {
		lk := strings.ToLower(k)
		if lk != "" && strings.Contains(ua, lk) && len(k) > len(found) {
			found = k
		}
	}
	return found, found != ""
}

// HandleTask is the queue entry point for crawler verification.
func (svc *BotVerificationService) HandleTask(ctx context.Context, payload []byte) error {
	var task dto.CheckIfBotIsRealTask
	if err := shared.Unmarshal(payload, &task); err != nil {
		return shared.Permanent(fmt.Errorf("%w: %v", shared.ErrInvalidTask, err))
	}

	_, err := svc.Verify(ctx, &task)
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrVerdictNotStored) {
		return err
	}
	return shared.Permanent(err)
}

// Verify confirms the crawler claim carried by task and records the verdict.
// Whatever happens, including a panic, the trackable IP leaves the pending set
// and lands in exactly one of the whitelist or fake bot set. When the store
// rejects the verdict the error wraps shared.ErrVerdictNotStored.
func (svc *BotVerificationService) Verify(ctx context.Context, task *dto.CheckIfBotIsRealTask) (valid bool, err error) {
	client := task.Client
	botKey, matched := MatchBot(client.UserAgent, task.AllowedBots)

	defer func() {
		if r := recover(); r != nil {
			valid = false
			err = fmt.Errorf("crawler verification panic: %v", r)
		}
		if settleErr := svc.settle(context.WithoutCancel(ctx), &client, botKey, valid, task.Log); settleErr != nil {
			err = errors.Join(err, settleErr)
		}
	}()

	if !matched {
		return false, fmt.Errorf("%w: %q", shared.ErrSignatureNotFound, client.UserAgent)
	}

	// Worker shutdown must not turn an unfinished lookup into a fake verdict.
	dnsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verificationTimeout)
	defer cancel()

	return svc.isValid(dnsCtx, task, botKey), nil
}

func (svc *BotVerificationService) isValid(ctx context.Context, task *dto.CheckIfBotIsRealTask, botKey string) bool {
	ip := task.Client.IP
	if net.ParseIP(ip) == nil {
		return false
	}

	if cidrs := task.BotCIDRs[botKey]; len(cidrs) > 0 {
		return shared.IPInAnyCIDR(ip, cidrs)
	}

	validHost := strings.ToLower(task.AllowedBots[botKey])
	if validHost == shared.WildcardHost {
		return true
	}
	if validHost == "" {
		return false
	}

	entry := log.WithFields(log.Fields{"ip": ip, "bot": botKey})

	hosts, err := svc.resolver.LookupAddr(ctx, ip)
	if err != nil {
		entry.WithError(err).Warn("Reverse lookup failed")
		return false
	}

	prefixLength := task.IPv6PrefixLength
	if prefixLength == 0 {
		prefixLength = shared.DefaultIPv6PrefixLength
	}

	for _, host := range hosts {
		host = strings.ToLower(host)
		if !strings.Contains(host, validHost) {
			continue
		}

		addrs, err := svc.resolver.LookupHost(ctx, host)
		if err != nil {
			entry.WithError(err).WithField("host", host).Warn("Forward lookup failed")
			return false
		}
		if forwardConfirms(ip, addrs, prefixLength) {
			return true
		}
	}
	return false
}

// forwardConfirms checks that a forward lookup leads back to ip. IPv4 needs
// an exact match. IPv6 accepts an exact match, then an address in the same
// prefix, and finally no IPv6 answer at all, since the hostname already
// matched.
func forwardConfirms(ip string, addrs []string, prefixLength int) bool {
	target := net.ParseIP(ip)

	if shared.IsIPv4(ip) {
		for _, addr := range addrs {
			if parsed := net.ParseIP(addr); parsed != nil && parsed.Equal(target) {
				return true
			}
		}
		return false
	}

	var v6 []string
	for _, addr := range addrs {
		if shared.IsIPv6(addr) {
			v6 = append(v6, addr)
		}
	}

	for _, addr := range v6 {
		if net.ParseIP(addr).Equal(target) {
			return true
		}
	}
	for _, addr := range v6 {
		if shared.IsSameIPv6Prefix(addr, ip, prefixLength) {
			return true
		}
	}
	return len(v6) == 0
}

func (svc *BotVerificationService) settle(ctx context.Context, client *dto.Client, botKey string, valid, logEnabled bool) error {
	entry := log.WithFields(log.Fields{
		"ip":           client.IP,
		"trackable_ip": client.TrackableIP,
		"bot":          botKey,
		"valid":        valid,
	})

	target, other, action := svc.cfg.FakeBotListKey, svc.cfg.WhitelistKey, shared.ActionBadCrawler
	if valid {
		target, other, action = svc.cfg.WhitelistKey, svc.cfg.FakeBotListKey, shared.ActionGoodCrawler
	}

	err := svc.redisSvc.SetExclusiveMember(ctx, client.TrackableIP, target,
		[]string{svc.cfg.PendingBotListKey, other}, dto.PendingKey(client.TrackableIP))
	if err != nil {
		entry.WithError(err).Error("Failed to record crawler verdict")
		return fmt.Errorf("%w: %v", shared.ErrVerdictNotStored, err)
	}
	entry.Info("Crawler verification settled")

	if svc.monitoring != nil {
		svc.monitoring.RecordVerification(valid)
	}

	if svc.events != nil {
		event := dto.CrawlerVerifiedEvent{
			IP:          client.IP,
			TrackableIP: client.TrackableIP,
			UserAgent:   client.UserAgent,
			BotKey:      botKey,
			Valid:       valid,
			VerifiedAt:  time.Now().UTC(),
		}
		if err := svc.events.Publish(ctx, event); err != nil {
			entry.WithError(err).Warn("Failed to publish crawler verdict")
		}
	}

	if logEnabled {
		svc.dispatchLog(ctx, client, action)
	}
	return nil
}

func (svc *BotVerificationService) dispatchLog(ctx context.Context, client *dto.Client, action string) {
	task := dto.ProcessLogWithIPInfoTask{Client: *client, Action: action}
	if err := svc.dispatcher.Enqueue(ctx, shared.TaskProcessLogWithIPInfo, task); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ip":     client.IP,
			"action": action,
		}).Error("Failed to dispatch log task")
	}
}
