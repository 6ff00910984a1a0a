// Package registry owns the set of configured backends and runs the
// generation pipeline: backend selection, model resolution, response
// caching, rate limiting, and retries, in that order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/services/cache"
	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/services/providers/ollama"
	"github.com/NickPittas/NukeAiPanel/services/providers/openai"
	"github.com/NickPittas/NukeAiPanel/services/ratelimit"
	"github.com/NickPittas/NukeAiPanel/services/resolver"
	"github.com/NickPittas/NukeAiPanel/services/retry"
)

// AdapterBuilder constructs an adapter from backend configuration.
type AdapterBuilder func(cfg *config.BackendConfig) (providers.Provider, error)

// defaultBuilders maps backend names to their adapter constructors.
func defaultBuilders() map[string]AdapterBuilder {
	return map[string]AdapterBuilder{
		"openai": func(cfg *config.BackendConfig) (providers.Provider, error) {
			return openai.New(cfg), nil
		},
		"ollama": func(cfg *config.BackendConfig) (providers.Provider, error) {
			return ollama.New(cfg), nil
		},
	}
}

// GenerateRequest is a unified generation request into the registry.
type GenerateRequest struct {
	// Backend pins the request to a named backend. Empty lets the
	// registry pick the first suitable one.
	Backend string

	// Model is the requested model name, possibly an alias. Empty
	// resolves to the selected backend's default.
	Model string

	// Messages in the conversation
	Messages []providers.Message

	// Config holds sampling parameters; nil uses defaults
	Config *providers.GenerationConfig

	// BypassCache skips the response cache for this request
	BypassCache bool
}

// backendEntry pairs an adapter with its configuration and the last
// catalog listing.
type backendEntry struct {
	provider providers.Provider
	cfg      config.BackendConfig
	retrier  *retry.Controller

	mu          sync.RWMutex
	catalog     []providers.ModelInfo
	lastErr     error
	lastChecked time.Time
}

func (e *backendEntry) setCatalog(catalog []providers.ModelInfo) {
	e.mu.Lock()
	e.catalog = catalog
	e.mu.Unlock()
}

func (e *backendEntry) getCatalog() []providers.ModelInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// setLastErr records the outcome of the latest backend interaction.
// A nil err clears a previously recorded failure.
func (e *backendEntry) setLastErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.lastChecked = time.Now()
	e.mu.Unlock()
}

func (e *backendEntry) lastStatus() (time.Time, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastChecked, e.lastErr
}

// backendSet is an immutable snapshot of registered backends. Requests
// in flight hold a reference to the set they started on; a config
// reload swaps the set without touching them.
type backendSet struct {
	byName      map[string]*backendEntry
	order       []string
	defaultName string
	wg          sync.WaitGroup
}

// Registry holds the configured backends and runs the pipeline.
type Registry struct {
	builders map[string]AdapterBuilder
	current  atomic.Pointer[backendSet]

	resolver *resolver.Resolver
	limiter  *ratelimit.Service
	retrier  *retry.Controller
	cache    *cache.ResponseCache

	cacheEnabled bool
	cacheStop    chan struct{}
	closed       atomic.Bool

	logger *zap.Logger
}

// New builds a registry from configuration. Backend construction
// failures register an unavailable placeholder rather than failing the
// whole registry.
func New(cfg *config.Config, logger *zap.Logger) *Registry {
	return NewWithBuilders(cfg, defaultBuilders(), logger)
}

// NewWithBuilders builds a registry with an explicit builder table.
func NewWithBuilders(cfg *config.Config, builders map[string]AdapterBuilder, logger *zap.Logger) *Registry {
	r := &Registry{
		builders:     builders,
		resolver:     resolver.New(logger),
		limiter:      ratelimit.NewService(logger),
		retrier:      retry.NewController(retryPolicy(cfg.Retry), logger),
		cache:        cache.NewResponseCache(cfg.Cache.MaxEntries, cfg.Cache.TTL),
		cacheEnabled: cfg.Cache.Enabled,
		cacheStop:    make(chan struct{}),
		logger:       logger,
	}

	r.current.Store(r.buildSet(cfg.Backends, cfg.DefaultBackend))

	if r.cacheEnabled && cfg.Cache.CleanupInterval > 0 {
		go r.cache.StartCleanupWorker(cfg.Cache.CleanupInterval, r.cacheStop)
	}

	return r
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
		Jitter:     true,
	}
}

// buildSet constructs adapters for every configured backend,
// substituting unavailable placeholders on constructor failure, and
// installs rate limits.
func (r *Registry) buildSet(backends []config.BackendConfig, defaultBackend string) *backendSet {
	set := &backendSet{
		byName:      make(map[string]*backendEntry, len(backends)),
		order:       make([]string, 0, len(backends)),
		defaultName: defaultBackend,
	}

	for i := range backends {
		bc := backends[i]
		if _, dup := set.byName[bc.Name]; dup {
			r.logger.Error("duplicate backend skipped", zap.String("backend", bc.Name))
			continue
		}

		var provider providers.Provider
		builder, ok := r.builders[bc.Name]
		if !ok {
			provider = providers.NewUnavailable(bc.Name, fmt.Errorf("no adapter for backend %q", bc.Name))
			r.logger.Warn("no adapter builder for backend", zap.String("backend", bc.Name))
		} else if p, err := builder(&bc); err != nil {
			provider = providers.NewUnavailable(bc.Name, err)
			r.logger.Error("backend construction failed, registering placeholder",
				zap.String("backend", bc.Name), zap.Error(err))
		} else {
			provider = p
		}

		set.byName[bc.Name] = &backendEntry{
			provider: provider,
			cfg:      bc,
			// the backend's own retry budget wins over the global one
			retrier: r.retrier.WithMaxRetries(bc.MaxRetries),
		}
		set.order = append(set.order, bc.Name)
		r.limiter.SetLimit(bc.Name, bc.RequestsPerMinute)
	}

	return set
}

// RegisterBuilder installs a custom adapter constructor. Used by tests
// and embedders adding backends beyond the built-in set. It affects
// the next config (re)load, not the current backend set.
func (r *Registry) RegisterBuilder(name string, builder AdapterBuilder) error {
	if _, exists := r.builders[name]; exists {
		return providers.ErrDuplicateBackend
	}
	r.builders[name] = builder
	return nil
}

// AuthenticateAll authenticates every enabled backend. Failures are
// isolated per backend and reported in the returned map; a backend
// that fails stays registered and keeps its recorded error.
func (r *Registry) AuthenticateAll(ctx context.Context) map[string]error {
	set := r.current.Load()
	results := make(map[string]error, len(set.order))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, name := range set.order {
		entry := set.byName[name]
		if !entry.cfg.Enabled {
			continue
		}

		wg.Add(1)
		go func(name string, entry *backendEntry) {
			defer wg.Done()

			err := entry.provider.Authenticate(ctx)
			entry.setLastErr(err)
			if err == nil {
				if catalog, lerr := entry.provider.ListModels(ctx); lerr == nil {
					entry.setCatalog(catalog)
				}
			} else {
				r.logger.Warn("backend authentication failed",
					zap.String("backend", name), zap.Error(err))
			}

			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, entry)
	}
	wg.Wait()

	return results
}

// IsConnected reports whether a backend is usable for selection.
// Credential-less backends only need to be enabled with an endpoint;
// credentialed backends additionally need a credential present.
func (r *Registry) IsConnected(name string) bool {
	set := r.current.Load()
	entry, ok := set.byName[name]
	if !ok {
		return false
	}
	return isConnected(&entry.cfg)
}

func isConnected(cfg *config.BackendConfig) bool {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return false
	}
	if cfg.RequiresCredential() {
		return cfg.Credential != ""
	}
	return true
}

// Status returns a snapshot of every registered backend in
// declaration order.
func (r *Registry) Status() []providers.BackendStatus {
	set := r.current.Load()
	out := make([]providers.BackendStatus, 0, len(set.order))
	for _, name := range set.order {
		entry := set.byName[name]
		status := providers.BackendStatus{
			Name:          name,
			Enabled:       entry.cfg.Enabled,
			Authenticated: entry.provider.IsAuthenticated(),
			Connected:     isConnected(&entry.cfg),
			ModelCount:    len(entry.getCatalog()),
		}
		checked, err := entry.lastStatus()
		if err != nil {
			status.LastError = err.Error()
		}
		status.LastChecked = checked
		out = append(out, status)
	}
	return out
}

// ListAvailableBackends returns the names of connected backends in
// declaration order.
func (r *Registry) ListAvailableBackends() []string {
	set := r.current.Load()
	names := make([]string, 0, len(set.order))
	for _, name := range set.order {
		if isConnected(&set.byName[name].cfg) {
			names = append(names, name)
		}
	}
	return names
}

// ListAllModels returns the model catalogs of all connected backends,
// keyed by backend name.
func (r *Registry) ListAllModels(ctx context.Context) map[string][]providers.ModelInfo {
	set := r.current.Load()
	out := make(map[string][]providers.ModelInfo)
	for _, name := range set.order {
		entry := set.byName[name]
		if !isConnected(&entry.cfg) {
			continue
		}
		out[name] = r.catalogFor(ctx, entry)
	}
	return out
}

// catalogFor returns the cached catalog, listing lazily on first use.
func (r *Registry) catalogFor(ctx context.Context, entry *backendEntry) []providers.ModelInfo {
	if catalog := entry.getCatalog(); catalog != nil {
		return catalog
	}
	if !entry.provider.IsAuthenticated() {
		if err := entry.provider.Authenticate(ctx); err != nil {
			entry.setLastErr(err)
			return nil
		}
	}
	catalog, err := entry.provider.ListModels(ctx)
	if err != nil {
		entry.setLastErr(err)
		return nil
	}
	entry.setCatalog(catalog)
	return catalog
}

// Generate runs the full pipeline for a blocking generation request.
func (r *Registry) Generate(ctx context.Context, req *GenerateRequest) (*providers.GenerationResponse, error) {
	if r.closed.Load() {
		return nil, providers.ErrNoBackendAvailable
	}

	cfg := req.Config
	if cfg == nil {
		cfg = providers.DefaultGenerationConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, providers.NewProviderError("", providers.ErrCodeInvalidRequest, err.Error(), 0, false, err)
	}

	set := r.current.Load()
	set.wg.Add(1)
	defer set.wg.Done()

	requestID := uuid.NewString()
	start := time.Now()

	candidates, err := r.selectCandidates(set, req.Backend)
	if err != nil {
		return nil, err
	}
	candidates = r.prioritizeNative(ctx, set, candidates, req.Model)

	var failures []error
	for _, name := range candidates {
		entry := set.byName[name]

		resp, err := r.generateOn(ctx, entry, req, cfg, requestID)
		if err == nil {
			entry.setLastErr(nil)
			r.logger.Debug("generation complete",
				zap.String("request_id", requestID),
				zap.String("backend", name),
				zap.Duration("duration", time.Since(start)))
			return resp, nil
		}

		entry.setLastErr(err)
		failures = append(failures, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("backend failed, trying next candidate",
			zap.String("request_id", requestID),
			zap.String("backend", name),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: %w", providers.ErrNoBackendAvailable, errors.Join(failures...))
}

// generateOn runs steps 2-6 of the pipeline against one backend.
func (r *Registry) generateOn(ctx context.Context, entry *backendEntry, req *GenerateRequest, cfg *providers.GenerationConfig, requestID string) (*providers.GenerationResponse, error) {
	name := entry.cfg.Name

	// step 2: resolve the model
	model, err := r.resolver.Resolve(name, req.Model, r.catalogFor(ctx, entry), entry.cfg.ModelOverrides, entry.cfg.DefaultModel)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("step 2: model resolved",
		zap.String("request_id", requestID),
		zap.String("backend", name),
		zap.String("requested", req.Model),
		zap.String("model", model))

	compute := func(ctx context.Context) (*providers.GenerationResponse, error) {
		// step 4: rate limiter
		if err := r.limiter.Wait(ctx, name); err != nil {
			return nil, err
		}
		r.logger.Debug("step 4: rate limit cleared",
			zap.String("request_id", requestID), zap.String("backend", name))

		// step 5: backend call under retry
		return retry.DoValue(ctx, entry.retrier, name, func(ctx context.Context) (*providers.GenerationResponse, error) {
			return entry.provider.Generate(ctx, req.Messages, model, cfg)
		})
	}

	if !r.cacheEnabled || req.BypassCache {
		return compute(ctx)
	}

	// step 3: response cache with single-flight (step 6 stores inside)
	key := cache.Fingerprint(req.Messages, model, cfg)
	r.logger.Debug("step 3: cache lookup",
		zap.String("request_id", requestID),
		zap.String("backend", name),
		zap.String("fingerprint", key[:12]))
	return r.cache.GetOrCompute(ctx, key, compute)
}

// GenerateStream runs the pipeline for a streaming request. Streamed
// responses never touch the cache.
func (r *Registry) GenerateStream(ctx context.Context, req *GenerateRequest, callback providers.StreamCallback) error {
	if r.closed.Load() {
		return providers.ErrNoBackendAvailable
	}

	cfg := providers.DefaultGenerationConfig()
	if req.Config != nil {
		c := *req.Config
		cfg = &c
	}
	cfg.Stream = true
	if err := cfg.Validate(); err != nil {
		return providers.NewProviderError("", providers.ErrCodeInvalidRequest, err.Error(), 0, false, err)
	}

	set := r.current.Load()
	set.wg.Add(1)
	defer set.wg.Done()

	requestID := uuid.NewString()

	candidates, err := r.selectCandidates(set, req.Backend)
	if err != nil {
		return err
	}
	candidates = r.prioritizeNative(ctx, set, candidates, req.Model)

	var failures []error
	for _, name := range candidates {
		entry := set.byName[name]

		model, err := r.resolver.Resolve(name, req.Model, r.catalogFor(ctx, entry), entry.cfg.ModelOverrides, entry.cfg.DefaultModel)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if err := r.limiter.Wait(ctx, name); err != nil {
			if ctx.Err() != nil {
				return err
			}
			entry.setLastErr(err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}

		// once fragments have been delivered the stream can neither be
		// retried nor fail over to another backend
		delivered := false
		streamErr := entry.retrier.DoUnless(ctx, name, func(ctx context.Context) error {
			return entry.provider.GenerateStream(ctx, req.Messages, model, cfg, func(fragment string) error {
				delivered = true
				return callback(fragment)
			})
		}, func() bool { return delivered })
		if streamErr == nil {
			entry.setLastErr(nil)
			r.logger.Debug("stream complete",
				zap.String("request_id", requestID), zap.String("backend", name))
			return nil
		}
		if delivered || ctx.Err() != nil {
			return streamErr
		}

		entry.setLastErr(streamErr)
		failures = append(failures, fmt.Errorf("%s: %w", name, streamErr))
		r.logger.Warn("backend stream failed, trying next candidate",
			zap.String("request_id", requestID),
			zap.String("backend", name),
			zap.Error(streamErr))
	}

	return fmt.Errorf("%w: %w", providers.ErrNoBackendAvailable, errors.Join(failures...))
}

// selectCandidates returns the ordered backend names a request may
// use: the pinned backend when one is named, otherwise every connected
// backend in declaration order, with the configured default backend
// moved to the front when it is connected.
func (r *Registry) selectCandidates(set *backendSet, pinned string) ([]string, error) {
	if pinned != "" {
		entry, ok := set.byName[pinned]
		if !ok {
			return nil, fmt.Errorf("%w: %s", providers.ErrBackendNotFound, pinned)
		}
		if !entry.cfg.Enabled {
			return nil, fmt.Errorf("%w: %s", providers.ErrBackendDisabled, pinned)
		}
		if !isConnected(&entry.cfg) {
			return nil, fmt.Errorf("%w: %s is not connected", providers.ErrNoBackendAvailable, pinned)
		}
		return []string{pinned}, nil
	}

	candidates := make([]string, 0, len(set.order))
	if def := set.defaultName; def != "" {
		if entry, ok := set.byName[def]; ok && isConnected(&entry.cfg) {
			candidates = append(candidates, def)
		}
	}
	for _, name := range set.order {
		if name == set.defaultName {
			continue
		}
		if isConnected(&set.byName[name].cfg) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, providers.ErrNoBackendAvailable
	}
	return candidates, nil
}

// prioritizeNative orders candidates so that backends whose catalog
// lists the requested model exactly come before backends that can only
// serve it through an alias or fallback, preserving declaration order
// within each group. Candidates that cannot serve the model at all are
// dropped, unless that would empty the list; then the original order
// is kept so resolution surfaces the per-backend errors.
func (r *Registry) prioritizeNative(ctx context.Context, set *backendSet, candidates []string, requested string) []string {
	if requested == "" || len(candidates) < 2 {
		return candidates
	}

	native := make([]string, 0, len(candidates))
	aliased := make([]string, 0, len(candidates))
	for _, name := range candidates {
		entry := set.byName[name]
		catalog := r.catalogFor(ctx, entry)
		switch {
		case hasModel(catalog, requested):
			native = append(native, name)
		case r.resolver.CanServe(name, requested, catalog, entry.cfg.ModelOverrides, entry.cfg.DefaultModel):
			aliased = append(aliased, name)
		}
	}

	ordered := append(native, aliased...)
	if len(ordered) == 0 {
		return candidates
	}
	return ordered
}

func hasModel(catalog []providers.ModelInfo, name string) bool {
	for _, m := range catalog {
		if m.Name == name {
			return true
		}
	}
	return false
}

// ReloadConfig atomically swaps in a new backend set built from cfg.
// Requests in flight finish on the old set; its adapters close once
// they drain.
func (r *Registry) ReloadConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}

	newSet := r.buildSet(cfg.Backends, cfg.DefaultBackend)
	oldSet := r.current.Swap(newSet)

	// drop limiter state for backends that no longer exist
	for _, name := range oldSet.order {
		if _, kept := newSet.byName[name]; !kept {
			r.limiter.RemoveLimit(name)
		}
	}

	go func() {
		oldSet.wg.Wait()
		for _, name := range oldSet.order {
			if err := oldSet.byName[name].provider.Close(); err != nil {
				r.logger.Warn("failed to close backend after reload",
					zap.String("backend", name), zap.Error(err))
			}
		}
	}()

	r.logger.Info("backend set reloaded", zap.Strings("backends", newSet.order))
	return nil
}

// Shutdown stops accepting requests, waits for in-flight requests
// bounded by ctx, and closes every adapter. Close failures are logged,
// never fatal.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.cacheStop)

	set := r.current.Load()

	done := make(chan struct{})
	go func() {
		set.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached with requests in flight")
	}

	for _, name := range set.order {
		if err := set.byName[name].provider.Close(); err != nil {
			r.logger.Warn("failed to close backend",
				zap.String("backend", name), zap.Error(err))
		}
	}

	r.logger.Info("registry shut down")
	return ctx.Err()
}

// CacheStats exposes response cache counters.
func (r *Registry) CacheStats() cache.CacheStats {
	return r.cache.Stats()
}
