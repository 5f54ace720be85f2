package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-raffle/internal/logger"
)

func setupService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewService(client, logger.NewLogger(), 500, "usd", time.Minute), mr
}

func TestPriceCacheIsValid(t *testing.T) {
	cases := []struct {
		name  string
		cache *PriceCache
		valid bool
	}{
		{"nil", nil, false},
		{"zero amount", &PriceCache{ExpiresAt: time.Now().Add(time.Minute)}, false},
		{"expired", &PriceCache{Amount: 500, ExpiresAt: time.Now().Add(-time.Second)}, false},
		{"live", &PriceCache{Amount: 500, ExpiresAt: time.Now().Add(time.Minute)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.cache.IsValid())
		})
	}
}

func TestUnitPricePopulatesCache(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	amount, currency := svc.UnitPrice(ctx)
	assert.Equal(t, 500.0, amount)
	assert.Equal(t, "usd", currency)

	// The miss wrote the price through to Redis.
	assert.True(t, mr.Exists(ticketPriceKey))
}

func TestUnitPriceServesStaleEntryFromConfig(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	_, _ = svc.UnitPrice(ctx)
	mr.FastForward(2 * time.Minute)

	// The cached entry expired with the key; the configured price wins.
	amount, _ := svc.UnitPrice(ctx)
	assert.Equal(t, 500.0, amount)
}

func TestQuoteMultipliesUnitPrice(t *testing.T) {
	svc, _ := setupService(t)

	amount, currency := svc.Quote(context.Background(), 3)
	assert.Equal(t, 1500.0, amount)
	assert.Equal(t, "usd", currency)
}

func TestUnitPriceWithoutRedisFallsBack(t *testing.T) {
	svc := NewService(nil, logger.NewLogger(), 500, "usd", time.Minute)

	amount, currency := svc.UnitPrice(context.Background())
	assert.Equal(t, 500.0, amount)
	assert.Equal(t, "usd", currency)
}
