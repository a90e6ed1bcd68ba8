package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"tradedesk/internal/config"
	"tradedesk/internal/observability"
)

// Rate sources, from most to least authoritative.
const (
	RateSourceRemote  = "remote"
	RateSourceRedis   = "redis"
	RateSourceMemory  = "memory"
	RateSourceStale   = "stale"
	RateSourceDefault = "default"
)

// ExchangeRate is the BRL price of one unit of Currency.
type ExchangeRate struct {
	Currency  string    `json:"currency"`
	Rate      float64   `json:"rate"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type memoryRate struct {
	rate      float64
	fetchedAt time.Time
	expiresAt time.Time
}

// ExchangeRateCache resolves rates through Redis, then process memory, then
// the remote API, and finally configured defaults.
type ExchangeRateCache struct {
	redis    redis.UniversalClient
	prefix   string
	client   *http.Client
	cfg      config.ExchangeRatesConfig
	logger   *logrus.Logger
	now      func() time.Time
	group    singleflight.Group
	mu       sync.RWMutex
	memory   map[string]memoryRate
	defaults map[string]float64
}

// NewExchangeRateCache rdb may be nil (memory only).
func NewExchangeRateCache(rdb redis.UniversalClient, keyPrefix string, cfg config.ExchangeRatesConfig, client *http.Client, logger *logrus.Logger) *ExchangeRateCache {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = observability.HTTPClient(&http.Client{Timeout: cfg.Timeout})
	}
	defaults := make(map[string]float64, len(cfg.Defaults))
	for k, v := range cfg.Defaults {
		defaults[strings.ToUpper(k)] = v
	}
	return &ExchangeRateCache{
		redis:    rdb,
		prefix:   keyPrefix + "fx:",
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		memory:   make(map[string]memoryRate),
		defaults: defaults,
	}
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", invalidf("currency must be a 3-letter code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", invalidf("currency must be a 3-letter code")
		}
	}
	return c, nil
}

// Get never fails for a well-formed code: when every source is unavailable the
// configured default is returned, and an unknown currency is NotFound.
func (c *ExchangeRateCache) Get(ctx context.Context, currency string) (*ExchangeRate, error) {
	cur, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if cur == "BRL" {
		return &ExchangeRate{Currency: cur, Rate: 1, Source: RateSourceDefault, FetchedAt: c.now()}, nil
	}

	if r, ok := c.fromRedis(ctx, cur); ok {
		return r, nil
	}
	if r, ok := c.fromMemory(cur, false); ok {
		return r, nil
	}

	v, err, _ := c.group.Do(cur, func() (interface{}, error) {
		rates, err := c.fetch(ctx, []string{cur})
		if err != nil {
			return nil, err
		}
		rate, ok := rates[cur]
		if !ok {
			return nil, fmt.Errorf("%w: no rate for %s", ErrProvider, cur)
		}
		c.store(ctx, cur, rate)
		return rate, nil
	})
	if err == nil {
		return &ExchangeRate{Currency: cur, Rate: v.(float64), Source: RateSourceRemote, FetchedAt: c.now()}, nil
	}
	c.logger.WithError(err).WithField("currency", cur).Warn("exchange rate: remote fetch failed")

	if r, ok := c.fromMemory(cur, true); ok {
		return r, nil
	}
	if d, ok := c.defaults[cur]; ok {
		return &ExchangeRate{Currency: cur, Rate: d, Source: RateSourceDefault, FetchedAt: c.now()}, nil
	}
	return nil, notFoundf("exchange rate for %s", cur)
}

// Refresh fetches every configured currency and updates both cache layers.
func (c *ExchangeRateCache) Refresh(ctx context.Context) (map[string]interface{}, error) {
	currencies := make([]string, 0, len(c.defaults))
	for cur := range c.defaults {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	if len(currencies) == 0 {
		return map[string]interface{}{"refreshed": 0}, nil
	}

	rates, err := c.fetch(ctx, currencies)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(rates))
	for cur, rate := range rates {
		c.store(ctx, cur, rate)
		out[cur] = rate
	}
	return map[string]interface{}{"refreshed": len(rates), "rates": out}, nil
}

func (c *ExchangeRateCache) fromRedis(ctx context.Context, cur string) (*ExchangeRate, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, c.prefix+cur).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Debug("exchange rate: redis read failed")
		}
		return nil, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate <= 0 {
		return nil, false
	}
	return &ExchangeRate{Currency: cur, Rate: rate, Source: RateSourceRedis, FetchedAt: c.now()}, true
}

// fromMemory returns expired entries only when allowStale is set.
func (c *ExchangeRateCache) fromMemory(cur string, allowStale bool) (*ExchangeRate, bool) {
	c.mu.RLock()
	m, ok := c.memory[cur]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Before(m.expiresAt) {
		return &ExchangeRate{Currency: cur, Rate: m.rate, Source: RateSourceMemory, FetchedAt: m.fetchedAt}, true
	}
	if allowStale {
		return &ExchangeRate{Currency: cur, Rate: m.rate, Source: RateSourceStale, FetchedAt: m.fetchedAt}, true
	}
	return nil, false
}

func (c *ExchangeRateCache) store(ctx context.Context, cur string, rate float64) {
	now := c.now()
	c.mu.Lock()
	c.memory[cur] = memoryRate{rate: rate, fetchedAt: now, expiresAt: now.Add(c.cfg.TTL)}
	c.mu.Unlock()
	if c.redis == nil {
		return
	}
	val := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := c.redis.Set(ctx, c.prefix+cur, val, c.cfg.TTL).Err(); err != nil {
		c.logger.WithError(err).Debug("exchange rate: redis write failed")
	}
}

// fetch calls <source>/<CUR>-BRL,... and reads <CUR>BRL.bid from the response.
func (c *ExchangeRateCache) fetch(ctx context.Context, currencies []string) (map[string]float64, error) {
	if c.cfg.SourceURL == "" {
		return nil, fmt.Errorf("%w: exchange rate source not configured", ErrProvider)
	}
	pairs := make([]string, len(currencies))
	for i, cur := range currencies {
		pairs[i] = cur + "-BRL"
	}
	url := strings.TrimRight(c.cfg.SourceURL, "/") + "/" + strings.Join(pairs, ",")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "exchange_rates", Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Provider: "exchange_rates", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "exchange_rates", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if !gjson.ValidBytes(body) {
		return nil, &ProviderError{Provider: "exchange_rates", Message: "invalid JSON response"}
	}

	out := make(map[string]float64, len(currencies))
	for _, cur := range currencies {
		bid := gjson.GetBytes(body, cur+"BRL.bid")
		if !bid.Exists() {
			continue
		}
		rate := bid.Float()
		if rate > 0 {
			out[cur] = rate
		}
	}
	if len(out) == 0 {
		return nil, &ProviderError{Provider: "exchange_rates", Message: "no rates in response"}
	}
	return out, nil
}
