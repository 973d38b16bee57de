package backend

import "sync"

// Preference reports the externally-configured backend kind. The registry
// consults it on every Get so a settings change takes effect on the next
// call without explicit rewiring.
type Preference func() Kind

// RegistryConfig configures the backend registry.
type RegistryConfig struct {
	// Preference selects the desired kind. Nil means always local.
	Preference Preference

	Local  LocalConfig
	Remote RemoteConfig

	// Factory constructs backends. Nil means New with the configs above;
	// tests substitute fakes.
	Factory func(Kind) (Backend, error)
}

// Registry owns at most one live backend instance. Swapping kinds tears
// the old instance down before the replacement is constructed, so two
// backends are never concurrently live.
type Registry struct {
	mu      sync.Mutex
	cfg     RegistryConfig
	current Backend
}

// NewRegistry creates a backend registry. No backend is constructed until
// the first Get or Switch.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Preference == nil {
		cfg.Preference = func() Kind { return KindLocal }
	}
	if cfg.Factory == nil {
		local, remote := cfg.Local, cfg.Remote
		cfg.Factory = func(kind Kind) (Backend, error) {
			return New(kind, local, remote)
		}
	}
	return &Registry{cfg: cfg}
}

// Get returns the active backend, lazily constructing the preferred kind
// and transparently swapping when the preference has changed since the
// last call.
func (r *Registry) Get() (Backend, error) {
	return r.Switch(r.cfg.Preference())
}

// Switch makes the given kind the active backend. A no-op when it already
// is; otherwise the previous instance is terminated first. Unknown kinds
// fail without touching the current instance.
func (r *Registry) Switch(kind Kind) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.Kind() == kind {
		return r.current, nil
	}
	next, err := r.cfg.Factory(kind)
	if err != nil {
		return nil, err
	}
	if r.current != nil {
		r.current.Terminate()
	}
	r.current = next
	return next, nil
}

// Current returns the active backend without constructing one. Nil when
// nothing has been built yet.
func (r *Registry) Current() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Close terminates and releases the active backend.
func (r *Registry) Close() {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.mu.Unlock()
	if current != nil {
		current.Terminate()
	}
}
