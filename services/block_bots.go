package services

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

const BLOCK_BOTS_SVC = "block_bots_svc"

// Rules lets a route narrow who is admitted. Every hook sees the identity
// resolved for the current request.
type Rules interface {
	// AuthRules is consulted for authenticated users before the limit.
	AuthRules(ctx context.Context, client *dto.Client) bool
	// GuestRules is consulted for guests before the limit.
	GuestRules(ctx context.Context, client *dto.Client) bool
	// IncrementHits decides whether this request counts against the window.
	IncrementHits(ctx context.Context, client *dto.Client) bool
}

// DefaultRules admits everyone under the limit and counts every request.
type DefaultRules struct{}

func (DefaultRules) AuthRules(context.Context, *dto.Client) bool     { return true }
func (DefaultRules) GuestRules(context.Context, *dto.Client) bool    { return true }
func (DefaultRules) IncrementHits(context.Context, *dto.Client) bool { return true }

type handlerOptions struct {
	rules     Rules
	bots      map[string]string
	skipPaths []string
}

type HandlerOption func(*handlerOptions)

func WithRules(rules Rules) HandlerOption {
	return func(o *handlerOptions) {
		o.rules = rules
	}
}

// WithAllowedBots adds crawler signatures for one route. They replace the
// configured table unless default bots are enabled, in which case they are
// merged over it.
func WithAllowedBots(bots map[string]string) HandlerOption {
	return func(o *handlerOptions) {
		o.bots = bots
	}
}

func WithSkipPaths(paths ...string) HandlerOption {
	return func(o *handlerOptions) {
		o.skipPaths = append(o.skipPaths, paths...)
	}
}

var blockPage = template.Must(template.New("blocked").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Too Many Requests</title>
</head>
<body>
<h1>Too Many Requests</h1>
<p>You have made too many requests from {{.IP}}.</p>
{{if .RetryAt}}<p>Please try again after {{.RetryAt}}.</p>{{end}}
</body>
</html>
`))

// BlockBotsService decides, per request, whether the caller goes on to the
// protected handler.
type BlockBotsService struct {
	appContext.DefaultService

	hitCounter *HitCounterService
	bots       *BotVerificationService
	dispatcher TaskDispatcher
	events     EventDispatcher
	monitoring *MonitoringService
	cfg        *dto.Configuration
}

func NewBlockBotsService(cfg *dto.Configuration, hitCounter *HitCounterService, bots *BotVerificationService, dispatcher TaskDispatcher, events EventDispatcher) *BlockBotsService {
	return &BlockBotsService{
		hitCounter: hitCounter,
		bots:       bots,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
	}
}

func (svc BlockBotsService) Id() string {
	return BLOCK_BOTS_SVC
}

func (svc *BlockBotsService) Start() error {
	svc.cfg = svc.Service(CONFIG_SVC).(*ConfigService).Config()
	svc.hitCounter = svc.Service(HIT_COUNTER_SVC).(*HitCounterService)
	svc.bots = svc.Service(BOT_VERIFICATION_SVC).(*BotVerificationService)
	svc.dispatcher = svc.Service(TASK_QUEUE_SVC).(*TaskQueueService)
	svc.events = svc.Service(EVENTS_SVC).(*EventService)
	if m, ok := svc.Service(MONITORING_SVC).(*MonitoringService); ok {
		svc.monitoring = m
	}
	return nil
}

func (svc *BlockBotsService) Config() *dto.Configuration {
	return svc.cfg
}

func (svc *BlockBotsService) options(opts []HandlerOption) *handlerOptions {
	o := &handlerOptions{rules: DefaultRules{}}
	for _, opt := range opts {
		opt(o)
	}

	switch {
	case o.bots == nil:
		o.bots = svc.cfg.AllowedBots
	case svc.cfg.UseDefaultAllowedBots:
		merged := make(map[string]string, len(svc.cfg.AllowedBots)+len(o.bots))
		for k, v := range svc.cfg.AllowedBots {
			merged[k] = v
		}
		for k, v := range o.bots {
			merged[strings.ToLower(k)] = v
		}
		o.bots = merged
	}
	return o
}

// Evaluate runs the admission pipeline for req and performs its side
// effects: hit counting, crawler dispatch, blocked log tasks and blocked
// events. An error means the pipeline could not reach a decision.
func (svc *BlockBotsService) Evaluate(ctx context.Context, req *dto.Request, limit int64, frequency string, opts ...HandlerOption) (*dto.Decision, error) {
	return svc.evaluate(ctx, req, limit, frequency, svc.options(opts))
}

func (svc *BlockBotsService) evaluate(ctx context.Context, req *dto.Request, limit int64, frequency string, o *handlerOptions) (*dto.Decision, error) {
	decision := &dto.Decision{Limit: limit, DecidedAt: time.Now().UTC()}
	if !svc.cfg.Enabled {
		decision.Allowed = true
		decision.Reason = dto.ReasonDisabled
		return decision, nil
	}

	client := dto.NewClient(req.IP, req.UserID, req.UserAgent, req.URL, svc.cfg.IPv6PrefixLength)
	decision.Client = client

	hits, err := svc.hitCounter.CountHits(ctx, client, frequency, o.rules.IncrementHits(ctx, client))
	if err != nil {
		return nil, err
	}
	decision.Hits = hits
	decision.LimitExceeded = hits > limit
	decision.FirstOverflow = hits == limit+1

	switch {
	case svc.cfg.Mode == shared.ModeNever:
		decision.Allowed, decision.Reason = true, dto.ReasonModeNever
	case svc.cfg.Mode == shared.ModeAlways:
		decision.Allowed, decision.Reason = false, dto.ReasonModeAlways
	case client.IsAuthenticated():
		decision.Allowed = o.rules.AuthRules(ctx, client) && !decision.LimitExceeded
		decision.Reason = dto.ReasonUserAllowed
		if !decision.Allowed {
			decision.Reason = dto.ReasonUserBlocked
		}
	case o.rules.GuestRules(ctx, client) && !decision.LimitExceeded:
		decision.Allowed, decision.Reason = true, dto.ReasonGuestAllowed
	default:
		decision.Allowed, decision.Reason = svc.bots.Classify(ctx, client, o.bots)
		if decision.Reason == "" {
			decision.Reason = dto.ReasonGuestBlocked
			if decision.LimitExceeded {
				decision.Reason = dto.ReasonLimitExceeded
			}
		}
	}

	if !decision.Allowed {
		svc.onDenied(ctx, decision, frequency)
	}
	if svc.monitoring != nil {
		svc.monitoring.RecordDecision(decision.Allowed, decision.Reason)
	}
	return decision, nil
}

// onDenied queues at most one BLOCKED log line per trackable IP per window
// and publishes a blocked event on the first request over the limit.
// Failures are logged; the denial stands either way.
func (svc *BlockBotsService) onDenied(ctx context.Context, decision *dto.Decision, frequency string) {
	client := decision.Client

	if svc.cfg.Log && (!svc.cfg.LogOnlyGuest || !client.IsAuthenticated()) {
		first, err := svc.hitCounter.MarkNotified(ctx, client, frequency)
		if err != nil {
			log.WithError(err).WithField("ip", client.TrackableIP).Warn("Failed to mark blocked client as notified")
		} else if first {
			task := dto.ProcessLogWithIPInfoTask{Client: *client, Action: shared.ActionBlocked, Limit: decision.Limit}
			if err := svc.dispatcher.Enqueue(ctx, shared.TaskProcessLogWithIPInfo, task); err != nil {
				log.WithError(err).WithField("ip", client.TrackableIP).Error("Failed to dispatch blocked log")
			}
		}
	}

	if !decision.FirstOverflow || svc.events == nil {
		return
	}

	var event dto.Event
	if client.IsAuthenticated() {
		event = dto.UserBlockedEvent{User: client.UserID, NumberOfHits: decision.Hits, BlockDate: decision.DecidedAt}
	} else {
		event = dto.BotBlockedEvent{IP: client.TrackableIP, NumberOfHits: decision.Hits, BlockDate: decision.DecidedAt}
	}
	if err := svc.events.Publish(ctx, event); err != nil {
		log.WithError(err).WithField("event", event.EventName()).Warn("Failed to publish blocked event")
	}
}

// safeEvaluate turns a panic anywhere in the pipeline into an error so the
// handler can apply its crash policy.
func (svc *BlockBotsService) safeEvaluate(ctx context.Context, req *dto.Request, limit int64, frequency string, o *handlerOptions) (decision *dto.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = fmt.Errorf("block bots panic: %v", r)
		}
	}()
	return svc.evaluate(ctx, req, limit, frequency, o)
}

// DefaultHandler guards with the configured limit and frequency.
func (svc *BlockBotsService) DefaultHandler(opts ...HandlerOption) fiber.Handler {
	return svc.Handler(svc.cfg.Limit, svc.cfg.Frequency, opts...)
}

// Handler returns middleware admitting at most limit requests per client per
// frequency window. Denied requests get a 429 with the configured JSON body
// or an HTML page.
func (svc *BlockBotsService) Handler(limit int64, frequency string, opts ...HandlerOption) fiber.Handler {
	o := svc.options(opts)

	return func(c *fiber.Ctx) error {
		if !svc.cfg.Enabled || skipPath(c.Path(), o.skipPaths) {
			return c.Next()
		}

		req := svc.requestFrom(c)
		decision, err := svc.safeEvaluate(c.UserContext(), req, limit, frequency, o)
		if err != nil {
			log.WithError(err).WithField("ip", req.IP).Error("Block bots check failed")
			if svc.monitoring != nil {
				svc.monitoring.RecordAdmissionError()
			}
			if svc.cfg.BlockWhenCrash {
				return svc.deny(c, req, frequency)
			}
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining(), 10))

		if decision.Allowed {
			return c.Next()
		}
		return svc.deny(c, req, frequency)
	}
}

func (svc *BlockBotsService) deny(c *fiber.Ctx, req *dto.Request, frequency string) error {
	client := dto.NewClient(req.IP, req.UserID, req.UserAgent, req.URL, svc.cfg.IPv6PrefixLength)
	wait := svc.hitCounter.RetryAfter(c.UserContext(), client, frequency)
	retryAt := time.Now().Add(wait)
	if retryAfter := int64(wait.Seconds()); retryAfter > 0 {
		c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}

	if req.ExpectsJSON {
		return shared.ResponseRaw(c, http.StatusTooManyRequests, svc.cfg.JSONResponse)
	}

	var page strings.Builder
	err := blockPage.Execute(&page, map[string]string{
		"IP":      req.IP,
		"RetryAt": retryAt.Format(time.RFC1123),
	})
	if err != nil {
		return c.Status(http.StatusTooManyRequests).SendString("Too Many Requests")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(http.StatusTooManyRequests).SendString(page.String())
}

func (svc *BlockBotsService) requestFrom(c *fiber.Ctx) *dto.Request {
	ip := c.IP()
	if svc.cfg.TrustProxyHeaders {
		ip = getClientIP(c)
	}

	userID, _ := c.Locals(shared.UserID).(string)

	return &dto.Request{
		IP:          ip,
		UserID:      userID,
		UserAgent:   c.Get(fiber.HeaderUserAgent),
		URL:         c.Hostname() + c.OriginalURL(),
		ExpectsJSON: expectsJSON(c),
	}
}

func expectsJSON(c *fiber.Ctx) bool {
	return strings.Contains(strings.ToLower(c.Get(fiber.HeaderAccept)), "json") ||
		c.Get(fiber.HeaderXRequestedWith) == "XMLHttpRequest"
}

func skipPath(path string, skip []string) bool {
	for _, p := range skip {
		if path == p || (strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*"))) {
			return true
		}
	}
	return false
}

// getClientIP reads the caller address from proxy headers, falling back to
// the socket peer.
func getClientIP(c *fiber.Ctx) string {
	if forwarded := c.Get(fiber.HeaderXForwardedFor); forwarded != "" {
		ip := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if ip != "" {
			return ip
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if cfIP := c.Get("CF-Connecting-IP"); cfIP != "" {
		return cfIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}
	return ip
}
