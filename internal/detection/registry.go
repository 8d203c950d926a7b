package detection

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds named detectors in priority order. As a Detector it
// delegates to the first healthy entry that answers successfully.
type Registry struct {
	detectors map[string]Detector
	order     []string
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]Detector),
	}
}

// Register appends a detector at the lowest priority
func (r *Registry) Register(detector Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	r.order = append(r.order, name)
	return nil
}

// Get returns a detector by name
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns registered detector names in priority order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) snapshot() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Detector, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.detectors[name])
	}
	return result
}

func (r *Registry) Name() string { return "registry" }

// IsHealthy returns true if any registered detector is healthy
func (r *Registry) IsHealthy(ctx context.Context) bool {
	for _, d := range r.snapshot() {
		if d.IsHealthy(ctx) {
			return true
		}
	}
	return false
}

// Detect tries detectors in priority order and returns the first success
func (r *Registry) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	var lastErr error
	for _, d := range r.snapshot() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !d.IsHealthy(ctx) {
			continue
		}
		dets, err := d.Detect(ctx, img)
		if err != nil {
			log.Warn().Err(err).Str("detector", d.Name()).Msg("Detector failed, trying next")
			lastErr = err
			continue
		}
		return dets, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, lastErr)
	}
	return nil, ErrDetectorUnavailable
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, name := range r.order {
		if err := r.detectors[name].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing detector %q: %w", name, err)
		}
		delete(r.detectors, name)
	}
	r.order = nil
	return firstErr
}

var _ Detector = (*Registry)(nil)
