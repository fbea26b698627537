// Package embed manages the embedding model lifecycle: lazy loading,
// batch embedding with an LRU text cache, and the model switch protocol
// that keeps vector collections dimension-consistent.
package embed

import (
	"context"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/internal/infra/metrics"
)

// TopicModelSwitched is emitted after a successful model switch.
const TopicModelSwitched = "embed.model.switched"

// ModelInfo describes the currently loaded embedding model.
type ModelInfo struct {
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions"`
	Device     string `json:"device"`
	Loaded     bool   `json:"loaded"`
}

// SwitchResult is the outcome of a model switch request.
type SwitchResult struct {
	Success             bool     `json:"success"`
	RequiresWipe        bool     `json:"requires_wipe"`
	CollectionsWiped    bool     `json:"collections_wiped"`
	AffectedCollections []string `json:"affected_collections,omitempty"`
	PreviousDimensions  int      `json:"previous_dimensions,omitempty"`
	NewDimensions       int      `json:"new_dimensions,omitempty"`
	Model               string   `json:"model"`
}

// Manager wraps an embedding-capable provider with lazy model loading and
// caching. All model-state mutations hold mu; embeds take it only long
// enough to consult the loaded model and the cache.
type Manager struct {
	provider  llm.LLMProvider
	vectors   *vector.Store
	bus       eventbus.Bus
	batchSize int
	normalize bool
	device    string

	mu    sync.Mutex
	model string
	dim   int
	cache *lru.Cache[string, []float32]
}

// NewManager creates an embedding manager. The model is not loaded until the
// first embed call.
func NewManager(provider llm.LLMProvider, vectors *vector.Store, bus eventbus.Bus, model, device string, batchSize, cacheSize int, normalize bool) (*Manager, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embed: create cache: %w", err)
	}
	return &Manager{
		provider:  provider,
		vectors:   vectors,
		bus:       bus,
		batchSize: batchSize,
		normalize: normalize,
		device:    device,
		model:     model,
		cache:     cache,
	}, nil
}

// ensureLoaded discovers the model's dimension on first use by embedding a
// probe text. Callers must hold mu.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	if m.dim > 0 {
		return nil
	}
	dim, err := m.probeDimension(ctx, m.model)
	if err != nil {
		return err
	}
	m.dim = dim
	log.WithFields(log.Fields{"model": m.model, "dimensions": dim}).Info("embedding model loaded")
	return nil
}

func (m *Manager) probeDimension(ctx context.Context, model string) (int, error) {
	resp, err := m.provider.Embed(ctx, llm.EmbedRequest{Model: model, Texts: []string{"dimension probe"}})
	if err != nil {
		return 0, fmt.Errorf("embed: load model %s: %w", model, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return 0, fmt.Errorf("embed: model %s returned empty probe vector", model)
	}
	return len(resp.Embeddings[0]), nil
}

// ModelInfo returns the current model state without forcing a load.
func (m *Manager) ModelInfo() ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ModelInfo{Name: m.model, Dimensions: m.dim, Device: m.device, Loaded: m.dim > 0}
}

// Dimensions loads the model if needed and returns its vector dimension.
func (m *Manager) Dimensions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return m.dim, nil
}

// EmbedText embeds a single text.
func (m *Manager) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts preserving input order. Cached texts are served
// from the LRU; only misses reach the provider, in batches of the configured
// size. An empty input returns an empty slice without touching the provider.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	m.mu.Lock()
	if err := m.ensureLoaded(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	model := m.model
	cache := m.cache

	out := make([][]float32, len(texts))
	var missIdx []int
	for i, text := range texts {
		if vec, ok := cache.Get(cacheKey(model, text)); ok {
			out[i] = vec
			metrics.EmbedCacheHits.Inc()
		} else {
			missIdx = append(missIdx, i)
			metrics.EmbedCacheMisses.Inc()
		}
	}
	m.mu.Unlock()

	for start := 0; start < len(missIdx); start += m.batchSize {
		end := start + m.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]
		batchTexts := make([]string, len(batch))
		for i, idx := range batch {
			batchTexts[i] = texts[idx]
		}

		resp, err := m.provider.Embed(ctx, llm.EmbedRequest{Model: model, Texts: batchTexts})
		if err != nil {
			return nil, fmt.Errorf("embed: batch: %w", err)
		}
		if len(resp.Embeddings) != len(batchTexts) {
			return nil, fmt.Errorf("embed: provider returned %d vectors for %d texts",
				len(resp.Embeddings), len(batchTexts))
		}

		for i, idx := range batch {
			vec := resp.Embeddings[i]
			if m.normalize {
				vec = l2Normalize(vec)
			}
			out[idx] = vec
			cache.Add(cacheKey(model, texts[idx]), vec)
		}
	}
	return out, nil
}

// CheckSwitch reports what switching to newModel would entail without
// changing anything.
func (m *Manager) CheckSwitch(ctx context.Context, newModel string) (*SwitchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateSwitch(ctx, newModel)
}

func (m *Manager) evaluateSwitch(ctx context.Context, newModel string) (*SwitchResult, error) {
	if newModel == m.model {
		return &SwitchResult{Success: true, Model: newModel}, nil
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	newDim, err := m.probeDimension(ctx, newModel)
	if err != nil {
		return nil, err
	}

	res := &SwitchResult{
		Model:              newModel,
		PreviousDimensions: m.dim,
		NewDimensions:      newDim,
	}
	if newDim == m.dim {
		res.Success = true
		return res, nil
	}

	infos, err := m.vectors.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Count > 0 {
			res.AffectedCollections = append(res.AffectedCollections, info.Name)
		}
	}
	res.RequiresWipe = true
	return res, nil
}

// SwitchModel applies the model switch protocol:
//
//  1. Same model: no-op success, nothing wiped.
//  2. Same dimension: swap model, clear cache, nothing wiped.
//  3. Dimension change without confirm_wipe: report requires_wipe and the
//     non-empty collections that would be destroyed; change nothing.
//  4. Dimension change with confirm_wipe: recreate every collection at the
//     new dimension, clear cache, load the new model, emit
//     embed.model.switched.
func (m *Manager) SwitchModel(ctx context.Context, newModel string, confirmWipe bool) (*SwitchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newModel == m.model {
		return &SwitchResult{Success: true, Model: newModel, NewDimensions: m.dim, PreviousDimensions: m.dim}, nil
	}

	res, err := m.evaluateSwitch(ctx, newModel)
	if err != nil {
		return nil, err
	}

	if !res.RequiresWipe {
		// Same dimension: existing vectors stay valid.
		m.model = newModel
		m.cache.Purge()
		log.WithField("model", newModel).Info("embedding model switched (dimension unchanged)")
		return res, nil
	}

	if !confirmWipe {
		res.Success = false
		return res, nil
	}

	infos, err := m.vectors.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if err := m.vectors.Recreate(ctx, info.Name, res.NewDimensions, info.Metric); err != nil {
			return nil, fmt.Errorf("embed: recreate collection %s: %w", info.Name, err)
		}
	}

	prev := m.model
	m.model = newModel
	m.dim = res.NewDimensions
	m.cache.Purge()
	res.Success = true
	res.CollectionsWiped = true

	m.bus.Emit(TopicModelSwitched, map[string]any{
		"previous_model":      prev,
		"new_model":           newModel,
		"previous_dimensions": res.PreviousDimensions,
		"new_dimensions":      res.NewDimensions,
		"collections_wiped":   len(infos),
	}, "embed")
	log.WithFields(log.Fields{"model": newModel, "dimensions": res.NewDimensions}).
		Warn("embedding model switched with collection wipe")
	return res, nil
}

// CacheLen returns the number of cached embeddings.
func (m *Manager) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

func cacheKey(model, text string) string {
	return model + "\x00" + text
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
