package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticketing-checkout/internal/models"
)

// fxRateScale is the denominator used to turn a decimal rate into a fraction
const fxRateScale = 1_000_000_000

// QuoteStore locks FX quotes per idempotency key
type QuoteStore interface {
	// Lock stores quote under key unless one is already there, and returns
	// whichever quote is stored afterwards
	Lock(ctx context.Context, key string, quote *models.FXQuote) (*models.FXQuote, error)
	Get(ctx context.Context, key string) (*models.FXQuote, error)
}

// FXConfig represents FX rate service configuration
type FXConfig struct {
	BaseURL   string
	APIKey    string
	MarginBps int
	QuoteTTL  time.Duration
}

// FXQuoteService converts display currency amounts into settlement currency
// amounts with a locked rate
type FXQuoteService struct {
	config FXConfig
	client *http.Client
	store  QuoteStore
	now    func() time.Time
}

// NewFXQuoteService creates a new FX quote service
func NewFXQuoteService(config FXConfig, store QuoteStore) *FXQuoteService {
	if config.QuoteTTL <= 0 {
		config.QuoteTTL = 15 * time.Minute
	}
	return &FXQuoteService{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  store,
		now:    time.Now,
	}
}

type fxRateResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
	Error string             `json:"error,omitempty"`
}

// Quote returns the quote locked for key, or fetches, locks and returns a new
// one. An expired locked quote is replaced.
func (s *FXQuoteService) Quote(ctx context.Context, key string, amount int64, from, to string) (*models.FXQuote, error) {
	from = models.NormalizeCurrency(from)
	to = models.NormalizeCurrency(to)
	if amount <= 0 {
		return nil, errors.New("quote amount must be positive")
	}

	if s.store != nil {
		existing, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.FromCurrency == from && existing.ToCurrency == to &&
			existing.SourceAmount == amount && existing.Validate(s.now()) == nil {
			return existing, nil
		}
	}

	num, den, err := s.rate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	quote := &models.FXQuote{
		ID:           "fxq_" + uuid.NewString(),
		FromCurrency: from,
		ToCurrency:   to,
		SourceAmount: amount,
		FXNum:        num,
		FXDen:        den,
		MarginBps:    s.config.MarginBps,
		LockedAt:     now,
		ExpiresAt:    now.Add(s.config.QuoteTTL),
	}
	quote.USDCents = ConvertAmount(amount, from, to, num, den, s.config.MarginBps)

	if err := quote.Validate(now); err != nil {
		return nil, err
	}

	if s.store == nil {
		return quote, nil
	}

	locked, err := s.store.Lock(ctx, key, quote)
	if err != nil {
		return nil, err
	}
	if locked.SourceAmount != amount || locked.FromCurrency != from || locked.ToCurrency != to {
		return nil, errors.New("a quote for a different amount is locked under this key")
	}
	return locked, nil
}

// rate returns the from→to rate as a fraction
func (s *FXQuoteService) rate(ctx context.Context, from, to string) (int64, int64, error) {
	if from == to {
		return 1, 1, nil
	}
	if s.config.BaseURL == "" {
		return 0, 0, &models.ConfigurationError{Key: "FX_BASE_URL", Message: "fx rate service is not configured"}
	}

	endpoint := fmt.Sprintf("%s/latest?base=%s&symbols=%s",
		strings.TrimRight(s.config.BaseURL, "/"), url.QueryEscape(from), url.QueryEscape(to))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create fx request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, &models.PaymentProviderError{Provider: "fx", Message: "rate request failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read fx response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, &models.PaymentProviderError{Provider: "fx", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Temporary: resp.StatusCode >= 500}
	}

	var rates fxRateResponse
	if err := json.Unmarshal(body, &rates); err != nil {
		return 0, 0, fmt.Errorf("failed to decode fx response: %w", err)
	}

	rate, ok := rates.Rates[to]
	if !ok || rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, 0, fmt.Errorf("no usable %s→%s rate", from, to)
	}

	return int64(math.Round(rate * fxRateScale)), fxRateScale, nil
}

// ConvertAmount converts minor units of from into minor units of to using the
// rate num/den plus marginBps, rounding half up
func ConvertAmount(amount int64, from, to string, num, den int64, marginBps int) int64 {
	numerator := new(big.Int).SetInt64(amount)
	numerator.Mul(numerator, big.NewInt(num))
	numerator.Mul(numerator, pow10(models.CurrencyExponent(to)))
	numerator.Mul(numerator, big.NewInt(int64(10000+marginBps)))

	denominator := new(big.Int).SetInt64(den)
	denominator.Mul(denominator, pow10(models.CurrencyExponent(from)))
	denominator.Mul(denominator, big.NewInt(10000))

	// round half up: (2n + d) / 2d
	numerator.Mul(numerator, big.NewInt(2))
	numerator.Add(numerator, denominator)
	denominator.Mul(denominator, big.NewInt(2))

	return new(big.Int).Quo(numerator, denominator).Int64()
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// RedisQuoteStore keeps locked quotes in redis until they expire
type RedisQuoteStore struct {
	client *redis.Client
}

// NewRedisQuoteStore creates a new redis quote store
func NewRedisQuoteStore(client *redis.Client) *RedisQuoteStore {
	return &RedisQuoteStore{client: client}
}

func quoteKey(key string) string {
	return fmt.Sprintf("fx_quote:%s", key)
}

// Lock stores quote with SETNX so the first quote for a key wins. An expired
// quote is overwritten.
func (s *RedisQuoteStore) Lock(ctx context.Context, key string, quote *models.FXQuote) (*models.FXQuote, error) {
	data, err := json.Marshal(quote)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fx quote: %w", err)
	}

	ttl := time.Until(quote.ExpiresAt)
	if ttl <= 0 {
		return nil, errors.New("quote has expired")
	}

	ok, err := s.client.SetNX(ctx, quoteKey(key), data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lock fx quote in redis: %w", err)
	}
	if ok {
		return quote, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Validate(time.Now()) != nil {
		if err := s.client.Set(ctx, quoteKey(key), data, ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to replace fx quote in redis: %w", err)
		}
		return quote, nil
	}
	return existing, nil
}

// Get returns the quote locked for key, or nil
func (s *RedisQuoteStore) Get(ctx context.Context, key string) (*models.FXQuote, error) {
	val, err := s.client.Get(ctx, quoteKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fx quote from redis: %w", err)
	}

	var quote models.FXQuote
	if err := json.Unmarshal([]byte(val), &quote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fx quote from redis: %w", err)
	}
	return &quote, nil
}
