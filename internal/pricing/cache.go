package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-raffle/internal/logger"
)

const ticketPriceKey = "ticket_price"

// PriceCache represents a cached unit price with its expiry time
type PriceCache struct {
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid checks whether the cached price can still be trusted
func (pc *PriceCache) IsValid() bool {
	if pc == nil || pc.Amount <= 0 {
		return false
	}
	return time.Now().Before(pc.ExpiresAt)
}

// Service resolves the unit price of one raffle number. The configured
// price is the source of truth; Redis keeps a short-lived copy so the hot
// reservation path and the autopay fan-out do not recompute it per request.
type Service struct {
	Client   *redis.Client
	Log      *logger.Logger
	Price    float64
	Currency string
	TTL      time.Duration
}

func NewService(client *redis.Client, log *logger.Logger, price float64, currency string, ttl time.Duration) *Service {
	return &Service{Client: client, Log: log, Price: price, Currency: currency, TTL: ttl}
}

// UnitPrice returns the price of a single number. Cache misses and Redis
// failures fall back to the configured price, never to an error.
func (s *Service) UnitPrice(ctx context.Context) (float64, string) {
	if s.Client == nil {
		return s.Price, s.Currency
	}

	priceJSON, err := s.Client.Get(ctx, ticketPriceKey).Result()
	if err == nil {
		var cached PriceCache
		if err := json.Unmarshal([]byte(priceJSON), &cached); err == nil && cached.IsValid() {
			return cached.Amount, cached.Currency
		}
	} else if err != redis.Nil {
		s.Log.Warn("PRICING", fmt.Sprintf("Failed to read price cache: %v", err))
	}

	if err := s.store(ctx); err != nil {
		s.Log.Warn("PRICING", fmt.Sprintf("Failed to refresh price cache: %v", err))
	}
	return s.Price, s.Currency
}

// Quote prices a set of numbers.
func (s *Service) Quote(ctx context.Context, count int) (float64, string) {
	unit, currency := s.UnitPrice(ctx)
	return unit * float64(count), currency
}

func (s *Service) store(ctx context.Context) error {
	cached := &PriceCache{
		Amount:    s.Price,
		Currency:  s.Currency,
		ExpiresAt: time.Now().Add(s.TTL),
	}
	priceJSON, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal price cache: %w", err)
	}
	return s.Client.Set(ctx, ticketPriceKey, priceJSON, s.TTL).Err()
}
