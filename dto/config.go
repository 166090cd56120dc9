package dto

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/lac-hong-legacy/block-bots/shared"
)

// DefaultAllowedBots maps a user agent keyword to the hostname keyword its
// reverse DNS must contain. "*" accepts the crawler from any address.
var DefaultAllowedBots = map[string]string{
	"ahrefs":   "ahrefs",
	"alexa":    "alexa",
	"ask":      "ask",
	"baidu":    "baidu",
	"bing":     "msn.com",
	"duckduck": "*",
	"exabot":   "exabot",
	"facebook": "facebook",
	"google":   "google",
	"msn":      "msn",
	"msnbot":   "msn.com",
	"sogou":    "sogou",
	"soso":     "soso",
	"twitter":  "twitter",
	"yahoo":    "yahoo",
	"yandex":   "yandex",
}

// Configuration is built once at boot and handed to every component. It is
// never mutated afterwards.
type Configuration struct {
	Enabled               bool                   `json:"enabled"`
	Mode                  string                 `json:"mode" validate:"required,oneof=normal never always"`
	Limit                 int64                  `json:"limit" validate:"gte=0"`
	Frequency             string                 `json:"frequency" validate:"required,oneof=hourly daily monthly annually"`
	Timezone              string                 `json:"timezone" validate:"required"`
	WhitelistIPs          []string               `json:"whitelist_ips"`
	AllowedBots           map[string]string      `json:"allowed_bots" validate:"dive,keys,required,endkeys,required"`
	BotCIDRs              map[string][]string    `json:"bot_cidrs"`
	UseDefaultAllowedBots bool                   `json:"use_default_allowed_bots"`
	IPv6PrefixLength      int                    `json:"ipv6_prefix_length" validate:"min=1,max=128"`
	Log                   bool                   `json:"log"`
	LogOnlyGuest          bool                   `json:"log_only_guest"`
	IPInfoKey             string                 `json:"-"`
	WhitelistKey          string                 `json:"whitelist_key" validate:"required"`
	FakeBotListKey        string                 `json:"fake_bot_list_key" validate:"required"`
	PendingBotListKey     string                 `json:"pending_bot_list_key" validate:"required"`
	JSONResponse          map[string]interface{} `json:"json_response"`
	BlockWhenCrash        bool                   `json:"block_when_crash"`
	TrustProxyHeaders     bool                   `json:"trust_proxy_headers"`

	location *time.Location
}

func DefaultConfiguration() *Configuration {
	bots := make(map[string]string, len(DefaultAllowedBots))
	for k, v := range DefaultAllowedBots {
		bots[k] = v
	}

	return &Configuration{
		Enabled:               true,
		Mode:                  shared.ModeNormal,
		Limit:                 100,
		Frequency:             shared.FrequencyDaily,
		Timezone:              "UTC",
		WhitelistIPs:          []string{"127.0.0.1", "::1"},
		AllowedBots:           bots,
		BotCIDRs:              map[string][]string{},
		UseDefaultAllowedBots: true,
		IPv6PrefixLength:      shared.DefaultIPv6PrefixLength,
		Log:                   true,
		WhitelistKey:          shared.KeyPrefix + ":whitelist",
		FakeBotListKey:        shared.KeyPrefix + ":fake_bots",
		PendingBotListKey:     shared.KeyPrefix + ":pending_bots",
		JSONResponse: map[string]interface{}{
			"status":  "429",
			"message": "Too Many Requests",
		},
	}
}

// LoadConfiguration overlays BLOCK_BOTS_* variables read through getenv on
// top of the defaults and validates the result.
func LoadConfiguration(getenv func(string) string) (*Configuration, error) {
	cfg := DefaultConfiguration()
	env := func(name string) string {
		return strings.TrimSpace(getenv("BLOCK_BOTS_" + name))
	}

	var err error
	if v := env("ENABLED"); v != "" {
		if cfg.Enabled, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_ENABLED: %w", err)
		}
	}
	if v := env("MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := env("LIMIT"); v != "" {
		if cfg.Limit, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_LIMIT: %w", err)
		}
	}
	if v := env("FREQUENCY"); v != "" {
		cfg.Frequency = strings.ToLower(v)
	}
	if v := env("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := env("WHITELIST_IPS"); v != "" {
		cfg.WhitelistIPs = splitList(v, ",")
	}
	if v := env("USE_DEFAULT_ALLOWED_BOTS"); v != "" {
		if cfg.UseDefaultAllowedBots, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_USE_DEFAULT_ALLOWED_BOTS: %w", err)
		}
	}
	if v := env("ALLOWED_BOTS"); v != "" {
		bots, cidrs, err := ParseBotTable(v)
		if err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_ALLOWED_BOTS: %w", err)
		}
		if !cfg.UseDefaultAllowedBots {
			cfg.AllowedBots = map[string]string{}
		}
		for k, host := range bots {
			cfg.AllowedBots[k] = host
		}
		for k, ranges := range cidrs {
			cfg.BotCIDRs[k] = ranges
		}
	}
	if v := env("BOT_CIDRS"); v != "" {
		for _, entry := range splitList(v, ";") {
			key, ranges, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("BLOCK_BOTS_BOT_CIDRS: malformed entry %q", entry)
			}
			cfg.BotCIDRs[strings.ToLower(strings.TrimSpace(key))] = splitList(ranges, ",")
		}
	}
	if v := env("IPV6_PREFIX_LENGTH"); v != "" {
		if cfg.IPv6PrefixLength, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_IPV6_PREFIX_LENGTH: %w", err)
		}
	}
	if v := env("LOG"); v != "" {
		if cfg.Log, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_LOG: %w", err)
		}
	}
	if v := env("LOG_ONLY_GUEST"); v != "" {
		if cfg.LogOnlyGuest, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_LOG_ONLY_GUEST: %w", err)
		}
	}
	if v := env("BLOCK_WHEN_CRASH"); v != "" {
		if cfg.BlockWhenCrash, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_BLOCK_WHEN_CRASH: %w", err)
		}
	}
	if v := env("TRUST_PROXY_HEADERS"); v != "" {
		if cfg.TrustProxyHeaders, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_TRUST_PROXY_HEADERS: %w", err)
		}
	}
	if v := env("IP_INFO_KEY"); v != "" {
		cfg.IPInfoKey = v
	}
	if v := env("WHITELIST_KEY"); v != "" {
		cfg.WhitelistKey = v
	}
	if v := env("FAKE_BOT_LIST_KEY"); v != "" {
		cfg.FakeBotListKey = v
	}
	if v := env("PENDING_BOT_LIST_KEY"); v != "" {
		cfg.PendingBotListKey = v
	}
	if v := env("JSON_RESPONSE"); v != "" {
		payload := map[string]interface{}{}
		if err := shared.Unmarshal([]byte(v), &payload); err != nil {
			return nil, fmt.Errorf("BLOCK_BOTS_JSON_RESPONSE: %w", err)
		}
		cfg.JSONResponse = payload
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and resolves the time zone.
func (c *Configuration) Validate() error {
	if err := GetValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid block bots configuration: %w", err)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid block bots timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the zone window boundaries are computed in.
func (c *Configuration) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// BotKeys returns the crawler table keys in a stable order.
func (c *Configuration) BotKeys() []string {
	keys := make([]string, 0, len(c.AllowedBots))
	for k := range c.AllowedBots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseBotTable reads "ua=host,ua2=*,ua3=1.2.3.0/24 5.6.7.0/24". Values with
// a slash are CIDR lists; everything else is a hostname keyword.
func ParseBotTable(raw string) (map[string]string, map[string][]string, error) {
	bots := map[string]string{}
	cidrs := map[string][]string{}

	for _, entry := range splitList(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, nil, fmt.Errorf("malformed bot entry %q", entry)
		}

		if strings.Contains(value, "/") {
			cidrs[key] = strings.Fields(value)
			bots[key] = key
			continue
		}
		bots[key] = strings.ToLower(value)
	}
	return bots, cidrs, nil
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
