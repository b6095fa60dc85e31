package ml

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig sizes the prediction cache. A zero Size disables caching.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// CachedPredictor memoizes predictions per model version and input matrix.
type CachedPredictor struct {
	next    Predictor
	role    string
	cache   *expirable.LRU[string, Prediction]
	metrics MetricsInterface
}

// WithCache wraps p in a TTL cache, or returns p unchanged when disabled.
func WithCache(p Predictor, role string, config CacheConfig, metrics MetricsInterface) Predictor {
	if config.Size <= 0 {
		return p
	}
	return &CachedPredictor{
		next:    p,
		role:    role,
		cache:   expirable.NewLRU[string, Prediction](config.Size, nil, config.TTL),
		metrics: metrics,
	}
}

func (cp *CachedPredictor) Info() ModelInfo { return cp.next.Info() }

func (cp *CachedPredictor) Predict(ctx context.Context, m Matrix) (Prediction, error) {
	key := cacheKey(cp.next.Info().Version, m)
	if cached, ok := cp.cache.Get(key); ok {
		if cp.metrics != nil {
			cp.metrics.MLCacheHitsInc(cp.role)
		}
		return cached, nil
	}
	if cp.metrics != nil {
		cp.metrics.MLCacheMissesInc(cp.role)
	}

	out, err := cp.next.Predict(ctx, m)
	if err != nil {
		return Prediction{}, err
	}
	cp.cache.Add(key, out)
	return out, nil
}

// Len is the number of live entries.
func (cp *CachedPredictor) Len() int { return cp.cache.Len() }

func (cp *CachedPredictor) Close() error {
	cp.cache.Purge()
	return Close(cp.next)
}

func cacheKey(version string, m Matrix) string {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(m.Cols()))
	_, _ = h.Write(buf[:])
	for _, v := range m.Values() {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	return version + "/" + strconv.Itoa(m.Rows()) + "/" + strconv.FormatUint(h.Sum64(), 16)
}
