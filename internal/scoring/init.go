package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"registry-scorer/internal/cfg"
	"registry-scorer/internal/common"
	"registry-scorer/internal/identity"
	"registry-scorer/internal/ml"
	"registry-scorer/internal/registry"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ModelSource resolves registry references and reads their artifacts.
type ModelSource interface {
	Resolve(ctx context.Context, name, selector string) (*registry.ModelVersion, error)
	Fetch(ctx context.Context, artifactURI, rel string) ([]byte, error)
}

// InitMetrics is what the initializer records; metrics.MetricsWrapper
// implements it.
type InitMetrics interface {
	MetricsInterface
	ml.MetricsInterface
	ModelLoaded(role, name, version, flavor string, seconds float64)
}

// Initializer builds the Service exactly once per process.
type Initializer struct {
	settings cfg.Settings
	source   ModelSource
	metrics  InitMetrics
	captures CaptureStore

	once sync.Once
}

type InitOption func(*Initializer)

// WithSource replaces the registry client built from settings.
func WithSource(src ModelSource) InitOption {
	return func(i *Initializer) { i.source = src }
}

func WithInitMetrics(m InitMetrics) InitOption {
	return func(i *Initializer) { i.metrics = m }
}

func WithCaptureStore(store CaptureStore) InitOption {
	return func(i *Initializer) { i.captures = store }
}

func NewInitializer(settings cfg.Settings, opts ...InitOption) *Initializer {
	i := &Initializer{settings: settings}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Init authenticates against the registry, resolves and loads the primary
// and fallback models and returns the ready Service. Any failure is fatal to
// the caller. Calls after the first return ErrAlreadyInitialized.
func (i *Initializer) Init(ctx context.Context) (*Service, error) {
	var (
		svc *Service
		err error
		ran bool
	)
	i.once.Do(func() {
		ran = true
		svc, err = i.init(ctx)
	})
	if !ran {
		return nil, ErrAlreadyInitialized
	}
	return svc, err
}

func (i *Initializer) init(ctx context.Context) (*Service, error) {
	s := i.settings

	log.Info().
		Str("tracking_host", s.TrackingHost()).
		Str("registry_auth", s.RegistryAuth).
		Bool("client_id_set", s.ClientID != "").
		Str("primary", s.ModelURI(s.PrimaryModelVersion)).
		Str("fallback", s.ModelURI(s.FallbackModelVersion)).
		Int("row_threshold", s.RowThreshold).
		Msg("initializing scoring service")

	if i.source == nil {
		tokens, err := identity.New(s.RegistryAuth, s.ClientID, s.RegistryToken, s.TokenScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create registry credential: %w", err)
		}
		client, err := registry.New(s.TrackingURI, tokens, s.RegistryTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to configure registry: %w", err)
		}
		i.source = client
	}

	var primary, fallback ml.Predictor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		primary, err = i.load(gctx, common.RolePrimary, s.PrimaryModelVersion)
		return err
	})
	g.Go(func() (err error) {
		fallback, err = i.load(gctx, common.RoleFallback, s.FallbackModelVersion)
		return err
	})
	if err := g.Wait(); err != nil {
		for _, p := range []ml.Predictor{primary, fallback} {
			if p != nil {
				_ = ml.Close(p)
			}
		}
		return nil, err
	}

	opts := Options{RowThreshold: s.RowThreshold, Captures: i.captures}
	if i.metrics != nil {
		opts.Metrics = i.metrics
	}
	svc, err := NewService(primary, fallback, opts)
	if err != nil {
		_ = ml.Close(primary)
		_ = ml.Close(fallback)
		return nil, err
	}

	log.Info().
		Str("primary", primary.Info().URI()).
		Str("fallback", fallback.Info().URI()).
		Msg("scoring service ready")
	return svc, nil
}

func (i *Initializer) load(ctx context.Context, role, selector string) (ml.Predictor, error) {
	s := i.settings
	start := time.Now()

	mv, err := i.source.Resolve(ctx, s.ModelName, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s model %s: %w", role, s.ModelURI(selector), err)
	}

	info := ml.ModelInfo{
		Name:      mv.Name,
		Version:   mv.Version,
		Selector:  selector,
		RunID:     mv.RunID,
		Stage:     mv.CurrentStage,
		CreatedAt: mv.CreationTimestamp.Time(),
	}
	if mv.CreationTimestamp == 0 {
		info.CreatedAt = time.Time{}
	}

	p, err := ml.Load(ctx, i.source, mv.ArtifactURI, info, ml.LoadOptions{ONNXRuntimeLib: s.ONNXRuntimeLib})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s model %s: %w", role, mv.URI(), err)
	}

	var mlMetrics ml.MetricsInterface
	if i.metrics != nil {
		mlMetrics = i.metrics
	}
	p = ml.WithCache(p, role, ml.CacheConfig{Size: s.CacheSize, TTL: s.CacheTTL}, mlMetrics)
	p = ml.WithMetrics(p, role, mlMetrics)

	loaded := p.Info()
	if i.metrics != nil {
		i.metrics.ModelLoaded(role, loaded.Name, loaded.Version, loaded.Flavor, time.Since(start).Seconds())
	}
	log.Info().
		Str("role", role).
		Str("selector", selector).
		Str("model", loaded.URI()).
		Str("flavor", loaded.Flavor).
		Dur("took", time.Since(start)).
		Msg("model ready")

	return p, nil
}
