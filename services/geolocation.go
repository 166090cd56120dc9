package services

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

// GeolocationService enriches log lines with the owner and location of an
// address. ipinfo.io is used when a token is configured, ip-api.com otherwise.
// Answers are cached in Redis.
type GeolocationService struct {
	appContext.DefaultService
	httpClient  *http.Client
	ipInfoURL   string
	ipAPIURL    string
	token       string
	redisSvc    *RedisService
	cacheExpiry time.Duration
}

const GEOLOCATION_SVC = "geolocation_svc"

const geolocationCachePrefix = shared.KeyPrefix + ":geo:"

func NewGeolocationService(redisSvc *RedisService, token string) *GeolocationService {
	return &GeolocationService{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		ipInfoURL:   "https://ipinfo.io",
		ipAPIURL:    "http://ip-api.com/json",
		token:       token,
		redisSvc:    redisSvc,
		cacheExpiry: 24 * time.Hour,
	}
}

func (svc GeolocationService) Id() string {
	return GEOLOCATION_SVC
}

func (svc *GeolocationService) Configure(ctx *appContext.Context) error {
	svc.httpClient = &http.Client{
		Timeout: 10 * time.Second,
	}
	svc.ipInfoURL = "https://ipinfo.io"
	svc.ipAPIURL = "http://ip-api.com/json"
	svc.cacheExpiry = 24 * time.Hour // Cache for 24 hours
	return svc.DefaultService.Configure(ctx)
}

func (svc *GeolocationService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.token = svc.Service(CONFIG_SVC).(*ConfigService).Config().IPInfoKey
	return nil
}

// Lookup returns location details for ip. Loopback and private addresses
// resolve to "Local" without a network call.
func (svc *GeolocationService) Lookup(ctx context.Context, ip string) (*dto.IPInfo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return &dto.IPInfo{IP: ip, Org: "Local", Country: "Local"}, nil
	}

	cacheKey := geolocationCachePrefix + ip
	if svc.redisSvc != nil {
		var cached dto.IPInfo
		err := svc.redisSvc.GetJSON(ctx, cacheKey, &cached)
		if err == nil && cached.IP != "" {
			log.WithField("ip", ip).Debug("Geolocation cache hit")
			return &cached, nil
		}
	}

	var (
		info *dto.IPInfo
		err  error
	)
	if svc.token != "" {
		info, err = svc.fromIPInfo(ctx, ip)
	} else {
		info, err = svc.fromIPAPI(ctx, ip)
	}
	if err != nil {
		log.WithError(err).WithField("ip", ip).Warn("Geolocation lookup failed")
		return nil, err
	}

	if svc.redisSvc != nil {
		if err := svc.redisSvc.Set(ctx, cacheKey, info, svc.cacheExpiry); err != nil {
			log.WithError(err).WithField("ip", ip).Warn("Failed to cache geolocation result")
		}
	}
	return info, nil
}

func (svc *GeolocationService) fromIPInfo(ctx context.Context, ip string) (*dto.IPInfo, error) {
	endpoint := fmt.Sprintf("%s/%s?token=%s", svc.ipInfoURL, ip, url.QueryEscape(svc.token))

	var result struct {
		IP      string `json:"ip"`
		Org     string `json:"org"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
	}
	if err := svc.getJSON(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	return &dto.IPInfo{
		IP:      ip,
		Org:     result.Org,
		City:    result.City,
		Region:  result.Region,
		Country: result.Country,
	}, nil
}

func (svc *GeolocationService) fromIPAPI(ctx context.Context, ip string) (*dto.IPInfo, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city,isp,org", svc.ipAPIURL, ip)

	var result struct {
		Status     string `json:"status"`
		Message    string `json:"message"`
		Country    string `json:"country"`
		RegionName string `json:"regionName"`
		City       string `json:"city"`
		ISP        string `json:"isp"`
		Org        string `json:"org"`
	}
	if err := svc.getJSON(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("geolocation lookup failed: %s %s", result.Status, result.Message)
	}

	org := result.Org
	if org == "" {
		org = result.ISP
	}
	return &dto.IPInfo{
		IP:      ip,
		Org:     org,
		City:    result.City,
		Region:  result.RegionName,
		Country: result.Country,
	}, nil
}

func (svc *GeolocationService) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := svc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geolocation API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	return shared.Unmarshal(body, dest)
}

func (svc *GeolocationService) ClearCache(ctx context.Context, ip string) error {
	if svc.redisSvc == nil {
		return shared.ErrRedisNotInitialized
	}
	return svc.redisSvc.Delete(ctx, geolocationCachePrefix+ip)
}
