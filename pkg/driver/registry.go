package driver

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownDriver is returned when a device names a driver nobody registered.
var ErrUnknownDriver = errors.New("unknown driver")

// Priority constants for driver registration.
// Higher priority values override lower priority drivers with the same name.
const (
	// PriorityDefault is the priority used by the drivers shipped with this
	// module.
	PriorityDefault = 0

	// PriorityOverride lets a private build replace a shipped driver under the
	// same identifier.
	PriorityOverride = 100
)

// Info contains metadata about a registered driver.
type Info struct {
	// Name is the identifier devices use to select the driver. Lookups are
	// case-insensitive.
	Name string

	// Description is a human-readable description of the driver.
	Description string

	// Priority determines which driver wins when multiple drivers
	// register with the same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the driver.
	Factory Factory
}

// Registry manages driver registration and instantiation.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Info
}

// NewRegistry creates a new driver registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Info),
	}
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a driver to the registry.
// If a driver with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(info.Name)
	if key == "" {
		return fmt.Errorf("driver name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("driver %s: factory cannot be nil", info.Name)
	}

	if existing, exists := r.drivers[key]; exists {
		if info.Priority < existing.Priority {
			log.Printf("Driver %q registration skipped (priority %d < existing %d)",
				info.Name, info.Priority, existing.Priority)
			return nil
		}
		log.Printf("Driver %q being overridden (priority %d -> %d)",
			info.Name, existing.Priority, info.Priority)
	}

	r.drivers[key] = info
	return nil
}

// Get returns the driver info for a given name, or nil if not found.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.drivers[registryKey(name)]
	if !ok {
		return nil
	}
	return &info
}

// Create builds a fresh driver instance for one device. Every call returns a
// new instance; devices never share one. A panicking factory is reported as
// an error so a broken driver cannot take down startup of the other devices.
func (r *Registry) Create(name string, ctx *Context, params Params) (drv Driver, err error) {
	info := r.Get(name)
	if info == nil {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownDriver, name, strings.Join(r.Names(), ", "))
	}

	if ctx == nil {
		ctx = NewContext("", nil)
	}
	if params == nil {
		params = Params{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			drv = nil
			err = fmt.Errorf("driver %s: factory panicked: %v", info.Name, rec)
		}
	}()

	drv, err = info.Factory(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", info.Name, err)
	}
	if drv == nil {
		return nil, fmt.Errorf("driver %s: factory returned nil driver", info.Name)
	}
	return drv, nil
}

// List returns all registered drivers sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.drivers))
	for _, info := range r.drivers {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return registryKey(result[i].Name) < registryKey(result[j].Name)
	})
	return result
}

// Names returns the names of all registered drivers, sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, info := range list {
		names[i] = info.Name
	}
	return names
}

// Clear removes all registered drivers. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers = make(map[string]Info)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Global returns the process-wide registry that init() registrations use.
func Global() *Registry {
	return globalRegistry
}

// Register adds a driver to the global registry.
// This is typically called from init() functions in driver packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Get returns driver info from the global registry.
func Get(name string) *Info {
	return globalRegistry.Get(name)
}

// Create builds a driver from the global registry.
func Create(name string, ctx *Context, params Params) (Driver, error) {
	return globalRegistry.Create(name, ctx, params)
}

// Names returns all driver names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}
