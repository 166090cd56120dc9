package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	ptr     map[string][]string
	hosts   map[string][]string
	err     error
	panics  bool
	lookups int
}

func (r *stubResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	r.lookups++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.panics {
		panic("resolver exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.ptr[ip], nil
}

func (r *stubResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.lookups++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.hosts[host], nil
}

type queuedTask struct {
	taskType string
	payload  interface{}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []queuedTask
	err   error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, taskType string, payload interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, queuedTask{taskType: taskType, payload: payload})
	return nil
}

func (d *recordingDispatcher) ofType(taskType string) []queuedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []queuedTask
	for _, task := range d.tasks {
		if task.taskType == taskType {
			out = append(out, task)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []dto.Event
}

func (e *recordingEvents) Publish(_ context.Context, event dto.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEvents) all() []dto.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dto.Event(nil), e.events...)
}

type verifierFixture struct {
	mr         *miniredis.Miniredis
	svc        *BotVerificationService
	redisSvc   *RedisService
	resolver   *stubResolver
	dispatcher *recordingDispatcher
	events     *recordingEvents
	cfg        *dto.Configuration
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	mr, redisSvc := newTestRedis(t)
	cfg := newTestConfig(t)
	resolver := &stubResolver{ptr: map[string][]string{}, hosts: map[string][]string{}}
	dispatcher := &recordingDispatcher{}
	events := &recordingEvents{}

	return &verifierFixture{
		mr:         mr,
		svc:        NewBotVerificationService(redisSvc, resolver, dispatcher, events, cfg),
		redisSvc:   redisSvc,
		resolver:   resolver,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
	}
}

func (f *verifierFixture) task(ip, userAgent string) *dto.CheckIfBotIsRealTask {
	client := dto.NewClient(ip, "", userAgent, "example.com/", f.cfg.IPv6PrefixLength)
	return &dto.CheckIfBotIsRealTask{
		Client:           *client,
		AllowedBots:      f.cfg.AllowedBots,
		BotCIDRs:         f.cfg.BotCIDRs,
		IPv6PrefixLength: f.cfg.IPv6PrefixLength,
		Log:              true,
	}
}

func (f *verifierFixture) membership(t *testing.T, member string) (whitelist, fake, pending bool) {
	t.Helper()
	ctx := context.Background()

	var err error
	whitelist, err = f.redisSvc.SIsMember(ctx, f.cfg.WhitelistKey, member)
	require.NoError(t, err)
	fake, err = f.redisSvc.SIsMember(ctx, f.cfg.FakeBotListKey, member)
	require.NoError(t, err)
	pending, err = f.redisSvc.SIsMember(ctx, f.cfg.PendingBotListKey, member)
	require.NoError(t, err)
	return
}

func TestMatchBot(t *testing.T) {
	bots := dto.DefaultAllowedBots

	tests := []struct {
		userAgent string
		expected  string
	}{
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "google"},
		{"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)", "bing"},
		{"msnbot/2.0b (+http://search.msn.com/msnbot.htm)", "msnbot"},
		{"DuckDuckBot/1.0; (+http://duckduckgo.com/duckduckbot.html)", "duckduck"},
		{"Mozilla/5.0 (compatible; YandexBot/3.0)", "yandex"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0", ""},
		{"", ""},
	}

	for _, tc := range tests {
		key, ok := MatchBot(tc.userAgent, bots)
		require.Equal(t, tc.expected != "", ok, "user agent %q", tc.userAgent)
		require.Equal(t, tc.expected, key, "user agent %q", tc.userAgent)
	}
}

func TestForwardConfirms(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		addrs    []string
		expected bool
	}{
		{"ipv4 exact", "66.249.66.1", []string{"66.249.66.1"}, true},
		{"ipv4 other address", "66.249.66.1", []string{"66.249.66.2"}, false},
		{"ipv4 no answer", "66.249.66.1", nil, false},
		{"ipv6 exact", "2001:4860:4801:1::1", []string{"2001:4860:4801:1::1"}, true},
		{"ipv6 same prefix", "2001:4860:4801:1::1", []string{"2001:4860:4801:1::99"}, true},
		{"ipv6 other prefix", "2001:4860:4801:1::1", []string{"2001:4860:4801:2::1"}, false},
		{"ipv6 only ipv4 answers", "2001:4860:4801:1::1", []string{"66.249.66.1"}, true},
		{"ipv6 no answer", "2001:4860:4801:1::1", nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, forwardConfirms(tc.ip, tc.addrs, 64))
		})
	}
}

func TestVerifyGenuineCrawler(t *testing.T) {
	f := newVerifierFixture(t)
	f.resolver.ptr["66.249.66.1"] = []string{"crawl-66-249-66-1.googlebot.com"}
	f.resolver.hosts["crawl-66-249-66-1.googlebot.com"] = []string{"66.249.66.1"}

	task := f.task("66.249.66.1", "Googlebot/2.1")
	_, err := f.redisSvc.SAdd(context.Background(), f.cfg.PendingBotListKey, "66.249.66.1")
	require.NoError(t, err)

	valid, err := f.svc.Verify(context.Background(), task)
	require.NoError(t, err)
	require.True(t, valid)

	whitelist, fake, pending := f.membership(t, "66.249.66.1")
	require.True(t, whitelist)
	require.False(t, fake)
	require.False(t, pending)

	logs := f.dispatcher.ofType(shared.TaskProcessLogWithIPInfo)
	require.Len(t, logs, 1)
	require.Equal(t, shared.ActionGoodCrawler, logs[0].payload.(dto.ProcessLogWithIPInfoTask).Action)

	events := f.events.all()
	require.Len(t, events, 1)
	require.True(t, events[0].(dto.CrawlerVerifiedEvent).Valid)
}

func TestVerifyRejectsImpostors(t *testing.T) {
	tests := []struct {
		name  string
		ptr   []string
		hosts map[string][]string
	}{
		{
			name: "hostname does not match",
			ptr:  []string{"host.example.net"},
		},
		{
			name:  "forward lookup points elsewhere",
			ptr:   []string{"crawl.googlebot.com"},
			hosts: map[string][]string{"crawl.googlebot.com": {"66.249.66.200"}},
		},
		{
			name: "no reverse record",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newVerifierFixture(t)
			f.resolver.ptr["203.0.113.9"] = tc.ptr
			for host, addrs := range tc.hosts {
				f.resolver.hosts[host] = addrs
			}

			valid, err := f.svc.Verify(context.Background(), f.task("203.0.113.9", "Googlebot/2.1"))
			require.NoError(t, err)
			require.False(t, valid)

			whitelist, fake, pending := f.membership(t, "203.0.113.9")
			require.False(t, whitelist)
			require.True(t, fake)
			require.False(t, pending)

			logs := f.dispatcher.ofType(shared.TaskProcessLogWithIPInfo)
			require.Len(t, logs, 1)
			require.Equal(t, shared.ActionBadCrawler, logs[0].payload.(dto.ProcessLogWithIPInfoTask).Action)
		})
	}
}

func TestVerifyWildcardSkipsDNS(t *testing.T) {
	f := newVerifierFixture(t)

	valid, err := f.svc.Verify(context.Background(), f.task("198.51.100.4", "DuckDuckBot/1.0"))
	require.NoError(t, err)
	require.True(t, valid)
	require.Zero(t, f.resolver.lookups)
}

func TestVerifyCIDRIsAuthoritative(t *testing.T) {
	f := newVerifierFixture(t)
	f.cfg.AllowedBots["gptbot"] = "gptbot"
	f.cfg.BotCIDRs["gptbot"] = []string{"132.196.86.0/24"}

	valid, err := f.svc.Verify(context.Background(), f.task("132.196.86.100", "Mozilla/5.0 GPTBot/1.0"))
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = f.svc.Verify(context.Background(), f.task("132.196.87.1", "Mozilla/5.0 GPTBot/1.0"))
	require.NoError(t, err)
	require.False(t, valid)
	require.Zero(t, f.resolver.lookups)
}

func TestVerifyIPv6ClassifiesPrefix(t *testing.T) {
	f := newVerifierFixture(t)
	ip := "2001:4860:4801:1:aaaa::1"
	f.resolver.ptr[ip] = []string{"crawl.googlebot.com"}
	f.resolver.hosts["crawl.googlebot.com"] = []string{"2001:4860:4801:1::5"}

	task := f.task(ip, "Googlebot/2.1")
	valid, err := f.svc.Verify(context.Background(), task)
	require.NoError(t, err)
	require.True(t, valid)

	whitelist, _, _ := f.membership(t, "2001:4860:4801:1::")
	require.True(t, whitelist)
	raw, _, _ := f.membership(t, ip)
	require.False(t, raw)
}

func TestVerifyResolverFailureIsFake(t *testing.T) {
	f := newVerifierFixture(t)
	f.resolver.err = errors.New("i/o timeout")

	valid, err := f.svc.Verify(context.Background(), f.task("66.249.66.1", "Googlebot/2.1"))
	require.NoError(t, err)
	require.False(t, valid)

	_, fake, pending := f.membership(t, "66.249.66.1")
	require.True(t, fake)
	require.False(t, pending)
}

func TestVerifyPanicStillSettles(t *testing.T) {
	f := newVerifierFixture(t)
	f.resolver.panics = true
	_, err := f.redisSvc.SAdd(context.Background(), f.cfg.PendingBotListKey, "66.249.66.1")
	require.NoError(t, err)

	valid, err := f.svc.Verify(context.Background(), f.task("66.249.66.1", "Googlebot/2.1"))
	require.Error(t, err)
	require.False(t, valid)

	_, fake, pending := f.membership(t, "66.249.66.1")
	require.True(t, fake)
	require.False(t, pending)
}

func TestVerifySignatureNotFound(t *testing.T) {
	f := newVerifierFixture(t)

	valid, err := f.svc.Verify(context.Background(), f.task("198.51.100.4", "curl/8.0"))
	require.ErrorIs(t, err, shared.ErrSignatureNotFound)
	require.False(t, valid)

	_, fake, pending := f.membership(t, "198.51.100.4")
	require.True(t, fake)
	require.False(t, pending)
}

func TestVerifyReclassificationKeepsOneSet(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	_, err := f.redisSvc.SAdd(ctx, f.cfg.FakeBotListKey, "66.249.66.1")
	require.NoError(t, err)
	f.resolver.ptr["66.249.66.1"] = []string{"crawl.googlebot.com"}
	f.resolver.hosts["crawl.googlebot.com"] = []string{"66.249.66.1"}

	valid, err := f.svc.Verify(ctx, f.task("66.249.66.1", "Googlebot/2.1"))
	require.NoError(t, err)
	require.True(t, valid)

	whitelist, fake, _ := f.membership(t, "66.249.66.1")
	require.True(t, whitelist)
	require.False(t, fake)
}

func TestHandleTaskMarksSignatureErrorsPermanent(t *testing.T) {
	f := newVerifierFixture(t)

	payload, err := shared.Marshal(f.task("198.51.100.4", "curl/8.0"))
	require.NoError(t, err)

	err = f.svc.HandleTask(context.Background(), payload)
	require.True(t, shared.IsPermanent(err))
	require.ErrorIs(t, err, shared.ErrSignatureNotFound)

	err = f.svc.HandleTask(context.Background(), []byte("{not json"))
	require.True(t, shared.IsPermanent(err))
	require.ErrorIs(t, err, shared.ErrInvalidTask)
}

func TestIsAllowedBotDispatchesOnce(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	first := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)
	second := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/other", 64)

	require.True(t, f.svc.IsAllowedBot(ctx, first, f.cfg.AllowedBots))
	require.True(t, f.svc.IsAllowedBot(ctx, second, f.cfg.AllowedBots))

	checks := f.dispatcher.ofType(shared.TaskCheckIfBotIsReal)
	require.Len(t, checks, 1)
	task := checks[0].payload.(dto.CheckIfBotIsRealTask)
	require.Equal(t, "66.249.66.1", task.Client.TrackableIP)
	require.Equal(t, "google", mustMatch(t, task.Client.UserAgent, task.AllowedBots))

	_, _, pending := f.membership(t, "66.249.66.1")
	require.True(t, pending)
}

func TestIsAllowedBotConcurrentFirstRequests(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := dto.NewClient("2001:4860:4801:1::1", "", "Googlebot/2.1", "example.com/", 64)
			f.svc.IsAllowedBot(ctx, client, f.cfg.AllowedBots)
		}()
	}
	wg.Wait()

	require.Len(t, f.dispatcher.ofType(shared.TaskCheckIfBotIsReal), 1)
}

func TestIsAllowedBotDispatchFailureClearsPending(t *testing.T) {
	f := newVerifierFixture(t)
	f.dispatcher.err = errors.New("queue down")
	client := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)

	require.True(t, f.svc.IsAllowedBot(context.Background(), client, f.cfg.AllowedBots))

	_, _, pending := f.membership(t, "66.249.66.1")
	require.False(t, pending)
	require.False(t, f.mr.Exists(dto.PendingKey("66.249.66.1")))
}

func TestIsAllowedBotUnknownAgent(t *testing.T) {
	f := newVerifierFixture(t)
	client := dto.NewClient("198.51.100.4", "", "curl/8.0", "example.com/", 64)

	require.False(t, f.svc.IsAllowedBot(context.Background(), client, f.cfg.AllowedBots))
	require.Empty(t, f.dispatcher.ofType(shared.TaskCheckIfBotIsReal))
}

func TestIsWhitelistedStaticEntry(t *testing.T) {
	f := newVerifierFixture(t)
	f.cfg.WhitelistIPs = append(f.cfg.WhitelistIPs, "10.0.0.0/8")
	ctx := context.Background()
	client := dto.NewClient("10.1.2.3", "", "curl/8.0", "example.com/", 64)

	require.True(t, f.svc.IsWhitelisted(ctx, client))
	require.True(t, f.svc.IsWhitelisted(ctx, client))

	whitelist, _, _ := f.membership(t, "10.1.2.3")
	require.True(t, whitelist)

	logs := f.dispatcher.ofType(shared.TaskProcessLogWithIPInfo)
	require.Len(t, logs, 1)
	require.Equal(t, shared.ActionWhitelisted, logs[0].payload.(dto.ProcessLogWithIPInfoTask).Action)
}

func TestClassifyOrder(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	fakeClient := dto.NewClient("203.0.113.9", "", "Googlebot/2.1", "example.com/", 64)
	_, err := f.redisSvc.SAdd(ctx, f.cfg.FakeBotListKey, "203.0.113.9")
	require.NoError(t, err)

	allowed, reason := f.svc.Classify(ctx, fakeClient, f.cfg.AllowedBots)
	require.False(t, allowed)
	require.Equal(t, dto.ReasonFakeBot, reason)

	localClient := dto.NewClient("127.0.0.1", "", "curl/8.0", "localhost/", 64)
	allowed, reason = f.svc.Classify(ctx, localClient, f.cfg.AllowedBots)
	require.True(t, allowed)
	require.Equal(t, dto.ReasonWhitelisted, reason)

	botClient := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)
	allowed, reason = f.svc.Classify(ctx, botClient, f.cfg.AllowedBots)
	require.True(t, allowed)
	require.Equal(t, dto.ReasonPendingBot, reason)

	humanClient := dto.NewClient("198.51.100.4", "", "curl/8.0", "example.com/", 64)
	allowed, _ = f.svc.Classify(ctx, humanClient, f.cfg.AllowedBots)
	require.False(t, allowed)
}

func TestClassifyStoreDownFallsBackToSignature(t *testing.T) {
	mr, redisSvc := newTestRedis(t)
	cfg := newTestConfig(t)
	dispatcher := &recordingDispatcher{}
	svc := NewBotVerificationService(redisSvc, &stubResolver{}, dispatcher, nil, cfg)
	mr.Close()

	ctx := context.Background()
	allowed, _ := svc.Classify(ctx, dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64), cfg.AllowedBots)
	require.True(t, allowed)

	allowed, _ = svc.Classify(ctx, dto.NewClient("198.51.100.4", "", "curl/8.0", "example.com/", 64), cfg.AllowedBots)
	require.False(t, allowed)
}

func mustMatch(t *testing.T, userAgent string, bots map[string]string) string {
	t.Helper()
	key, ok := MatchBot(userAgent, bots)
	require.True(t, ok)
	return key
}

func TestVerifyStoreFailureIsRetried(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	client := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)

	require.True(t, f.svc.IsAllowedBot(ctx, client, f.cfg.AllowedBots))
	payload, err := shared.Marshal(f.dispatcher.ofType(shared.TaskCheckIfBotIsReal)[0].payload)
	require.NoError(t, err)

	f.mr.SetError("LOADING Redis is loading the dataset in memory")
	err = f.svc.HandleTask(ctx, payload)
	require.ErrorIs(t, err, shared.ErrVerdictNotStored)
	require.False(t, shared.IsPermanent(err))
	f.mr.SetError("")

	whitelist, fake, pending := f.membership(t, "66.249.66.1")
	require.False(t, whitelist)
	require.False(t, fake)
	require.True(t, pending)

	require.NoError(t, f.svc.HandleTask(ctx, payload))
	whitelist, fake, pending = f.membership(t, "66.249.66.1")
	require.False(t, whitelist)
	require.True(t, fake)
	require.False(t, pending)
	require.False(t, f.mr.Exists(dto.PendingKey("66.249.66.1")))
}

func TestIsAllowedBotRedispatchesLostVerification(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	client := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)

	require.True(t, f.svc.IsAllowedBot(ctx, client, f.cfg.AllowedBots))
	require.True(t, f.svc.IsAllowedBot(ctx, client, f.cfg.AllowedBots))
	require.Len(t, f.dispatcher.ofType(shared.TaskCheckIfBotIsReal), 1)

	// The first task never settles.
	f.mr.FastForward(pendingVerificationTTL + time.Minute)

	require.True(t, f.svc.IsAllowedBot(ctx, client, f.cfg.AllowedBots))
	require.Len(t, f.dispatcher.ofType(shared.TaskCheckIfBotIsReal), 2)
}

func TestVerifyConcurrentVerdictsKeepOneSet(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	client := dto.NewClient("66.249.66.1", "", "Googlebot/2.1", "example.com/", 64)

	genuine := &dto.CheckIfBotIsRealTask{
		Client:      *client,
		AllowedBots: map[string]string{"googlebot": shared.WildcardHost},
	}
	impostor := &dto.CheckIfBotIsRealTask{
		Client:      *client,
		AllowedBots: map[string]string{"googlebot": "googlebot.com"},
		BotCIDRs:    map[string][]string{"googlebot": {"10.0.0.0/8"}},
	}

	errs := make(chan error, 40)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		task := genuine
		if i%2 == 1 {
			task = impostor
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Verify(ctx, task)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	whitelist, fake, pending := f.membership(t, "66.249.66.1")
	require.NotEqual(t, whitelist, fake)
	require.False(t, pending)
}

func TestVerifyOutlivesWorkerShutdown(t *testing.T) {
	f := newVerifierFixture(t)
	f.resolver.ptr["66.249.66.1"] = []string{"crawl-66-249-66-1.googlebot.com"}
	f.resolver.hosts["crawl-66-249-66-1.googlebot.com"] = []string{"66.249.66.1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	valid, err := f.svc.Verify(ctx, f.task("66.249.66.1", "Googlebot/2.1"))
	require.NoError(t, err)
	require.True(t, valid)

	whitelist, fake, _ := f.membership(t, "66.249.66.1")
	require.True(t, whitelist)
	require.False(t, fake)
}
