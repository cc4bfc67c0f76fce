package beam

import (
	"context"
	"log"
	"sync"
)

// UnloadFunc asks the service backing a capability to release its model
// weights. Invoked before a different capability's model is loaded onto the
// same device.
type UnloadFunc func(ctx context.Context, c Capability) error

// GPUCoordinator serializes model residency on a single shared device.
//
// Local model services cannot hold text, image, and vision weights at once.
// WithOperation declares which capability the enclosed work needs; if a
// different capability currently holds the device its weights are unloaded
// first. Remote-only wirings can use a nil coordinator everywhere: the
// zero-value methods on a nil receiver are no-ops.
type GPUCoordinator struct {
	mu      sync.Mutex
	current Capability
	loaded  map[Capability]bool
	unload  UnloadFunc
	logger  *log.Logger
}

// NewGPUCoordinator creates a coordinator with the given unload hook.
func NewGPUCoordinator(unload UnloadFunc) *GPUCoordinator {
	return &GPUCoordinator{
		loaded: make(map[Capability]bool),
		unload: unload,
		logger: log.Default(),
	}
}

// WithOperation runs body with the device dedicated to capability c.
// Holding the coordinator lock across body serializes all GPU work; the
// per-capability RateGate with a local limit of 1 makes the wait explicit to
// callers before they reach here.
func (g *GPUCoordinator) WithOperation(ctx context.Context, c Capability, body func(ctx context.Context) error) error {
	if g == nil {
		return body(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if g.current != "" && g.current != c {
		if g.unload != nil {
			if err := g.unload(ctx, g.current); err != nil {
				g.logger.Printf("[gpu] unload %s failed: %v", g.current, err)
			}
		}
		g.loaded[g.current] = false
	}
	g.current = c
	g.loaded[c] = true

	return body(ctx)
}

// CleanupAll unloads whatever capability holds the device. Best effort:
// errors are logged, not returned.
func (g *GPUCoordinator) CleanupAll(ctx context.Context) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != "" && g.unload != nil {
		if err := g.unload(ctx, g.current); err != nil {
			g.logger.Printf("[gpu] cleanup unload %s failed: %v", g.current, err)
		}
	}
	for c := range g.loaded {
		g.loaded[c] = false
	}
	g.current = ""
}

// States returns a snapshot of per-capability load flags.
func (g *GPUCoordinator) States() map[Capability]bool {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Capability]bool, len(g.loaded))
	for c, v := range g.loaded {
		out[c] = v
	}
	return out
}

// Current returns the capability holding the device, or "" when idle.
func (g *GPUCoordinator) Current() Capability {
	if g == nil {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
