package rates

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "fxcore:rate:"

// CachingProvider decorates a Provider with a short-TTL Redis cache so
// that reservation estimates and marketability sweeps do not hammer the
// upstream source. Cache failures fall through to the inner provider.
type CachingProvider struct {
	inner  Provider
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachingProvider(inner Provider, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachingProvider {
	return &CachingProvider{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (p *CachingProvider) GetRate(ctx context.Context, pair string) (*Rate, error) {
	key := cacheKeyPrefix + pair
	if data, err := p.client.Get(ctx, key).Bytes(); err == nil {
		var rate Rate
		if err := json.Unmarshal(data, &rate); err == nil {
			return &rate, nil
		}
	} else if err != redis.Nil {
		p.logger.Warn("rate cache read failed", zap.String("pair", pair), zap.Error(err))
	}

	rate, err := p.inner.GetRate(ctx, pair)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rate); err == nil {
		if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
			p.logger.Warn("rate cache write failed", zap.String("pair", pair), zap.Error(err))
		}
	}
	return rate, nil
}
