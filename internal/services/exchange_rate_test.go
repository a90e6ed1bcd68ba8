package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
)

func rateServer(t *testing.T, hits *int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"USDBRL":{"code":"USD","codein":"BRL","bid":"5.4321"},"EURBRL":{"code":"EUR","bid":"5.9"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func rateConfig(url string) config.ExchangeRatesConfig {
	return config.ExchangeRatesConfig{
		SourceURL: url,
		TTL:       time.Minute,
		Timeout:   time.Second,
		Defaults:  map[string]float64{"USD": 5.0, "EUR": 5.4, "CNY": 0.7},
	}
}

func TestExchangeRate_RemoteThenCached(t *testing.T) {
	var hits int32
	srv := rateServer(t, &hits, http.StatusOK)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewExchangeRateCache(rdb, "td:", rateConfig(srv.URL), srv.Client(), quietLogger())
	ctx := context.Background()

	r, err := c.Get(ctx, "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", r.Currency)
	assert.InDelta(t, 5.4321, r.Rate, 1e-9)
	assert.Equal(t, RateSourceRemote, r.Source)

	stored, err := mr.Get("td:fx:USD")
	require.NoError(t, err)
	assert.Equal(t, "5.4321", stored)

	r, err = c.Get(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, RateSourceRedis, r.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// redis 不可用时使用内存缓存
	mr.Close()
	r, err = c.Get(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, RateSourceMemory, r.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestExchangeRate_FallsBackToDefaults(t *testing.T) {
	var hits int32
	srv := rateServer(t, &hits, http.StatusServiceUnavailable)
	c := NewExchangeRateCache(nil, "", rateConfig(srv.URL), srv.Client(), quietLogger())
	ctx := context.Background()

	r, err := c.Get(ctx, "CNY")
	require.NoError(t, err)
	assert.Equal(t, RateSourceDefault, r.Source)
	assert.Equal(t, 0.7, r.Rate)

	_, err = c.Get(ctx, "JPY")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "US")
	assert.ErrorIs(t, err, ErrInvalidInput)

	brl, err := c.Get(ctx, "brl")
	require.NoError(t, err)
	assert.Equal(t, 1.0, brl.Rate)
}

func TestExchangeRate_StaleMemoryBeatsDefault(t *testing.T) {
	var hits int32
	srv := rateServer(t, &hits, http.StatusOK)
	c := NewExchangeRateCache(nil, "", rateConfig(srv.URL), srv.Client(), quietLogger())
	ctx := context.Background()
	_, err := c.Get(ctx, "EUR")
	require.NoError(t, err)

	srv.Close()
	later := time.Now().Add(time.Hour)
	c.now = func() time.Time { return later }

	r, err := c.Get(ctx, "EUR")
	require.NoError(t, err)
	assert.Equal(t, RateSourceStale, r.Source)
	assert.Equal(t, 5.9, r.Rate)
}

func TestExchangeRate_ConcurrentMissesShareOneFetch(t *testing.T) {
	var hits int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-gate
		_, _ = w.Write([]byte(`{"USDBRL":{"bid":"5.1"}}`))
	}))
	defer srv.Close()
	c := NewExchangeRateCache(nil, "", rateConfig(srv.URL), srv.Client(), quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Get(context.Background(), "USD")
			assert.NoError(t, err)
			assert.Equal(t, 5.1, r.Rate)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestExchangeRate_Refresh(t *testing.T) {
	var hits int32
	srv := rateServer(t, &hits, http.StatusOK)
	c := NewExchangeRateCache(nil, "", rateConfig(srv.URL), srv.Client(), quietLogger())

	out, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out["refreshed"])

	r, err := c.Get(context.Background(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, RateSourceMemory, r.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
