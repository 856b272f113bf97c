package config

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gridpilot/logger"
	"gridpilot/store"
)

// Setter applies one validated runtime value
type Setter func(value string) error

// Registry maps config keys to typed setters so runtime updates stay
// validated and reach the live component directly. Every accepted change
// is persisted with history.
type Registry struct {
	mu      sync.RWMutex
	setters map[string]Setter
	store   *store.ConfigStore
}

// NewRegistry creates an empty registry over the durable config store
func NewRegistry(cs *store.ConfigStore) *Registry {
	return &Registry{
		setters: make(map[string]Setter),
		store:   cs,
	}
}

// Register binds a key to its setter. Later registrations win; the app
// wires everything once at startup so collisions are a programming error.
func (r *Registry) Register(key string, fn Setter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setters[key] = fn
}

// Keys returns the registered keys, sorted
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.setters))
	for key := range r.setters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Apply validates a value through the key's setter and persists it.
// Unknown keys and setter rejections return errors without persisting.
func (r *Registry) Apply(key, value, source string) error {
	r.mu.RLock()
	fn, ok := r.setters[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err := fn(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if r.store != nil {
		if err := r.store.Set(key, value, source); err != nil {
			return fmt.Errorf("failed to persist %s: %w", key, err)
		}
	}
	logger.Infof("🔧 Config updated: %s = %s (%s)", key, value, source)
	return nil
}

// Value reads the persisted value for a key, empty if never set
func (r *Registry) Value(key string) (string, error) {
	if r.store == nil {
		return "", nil
	}
	return r.store.Get(key)
}

// Replay reapplies every persisted value through its setter at startup so
// runtime overrides survive restarts.
func (r *Registry) Replay() {
	for _, key := range r.Keys() {
		value, err := r.Value(key)
		if err != nil || value == "" {
			continue
		}
		r.mu.RLock()
		fn := r.setters[key]
		r.mu.RUnlock()
		if err := fn(value); err != nil {
			logger.Warnf("⚠️  Persisted config %s=%s rejected on replay: %v", key, value, err)
		}
	}
}

// BoolSetter adapts a bool consumer into a Setter
func BoolSetter(fn func(bool)) Setter {
	return func(value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		fn(b)
		return nil
	}
}

// FloatSetter adapts a float consumer into a Setter with range validation
func FloatSetter(min, max float64, fn func(float64)) Setter {
	return func(value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		if f < min || f > max {
			return fmt.Errorf("%.4f outside [%.4f, %.4f]", f, min, max)
		}
		fn(f)
		return nil
	}
}

// DurationSetter adapts a duration consumer into a Setter
func DurationSetter(min time.Duration, fn func(time.Duration)) Setter {
	return func(value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		if d < min {
			return fmt.Errorf("%v below minimum %v", d, min)
		}
		fn(d)
		return nil
	}
}
