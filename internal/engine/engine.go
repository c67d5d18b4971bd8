// Package engine holds the registry of database engines. Engine packages
// register themselves at init time:
//
//	import _ "github.com/JonMunkholm/csvmerge/internal/engine/postgres"
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

// Options configures a connection pool.
type Options struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// OpenFunc connects to a database and returns a ready engine.
type OpenFunc func(ctx context.Context, opts Options) (core.Engine, error)

var (
	registry   = make(map[string]OpenFunc)
	registryMu sync.RWMutex
)

// Register makes an engine available under name.
// Panics if name is already registered.
func Register(name string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("engine already registered: %s", name))
	}
	registry[name] = open
}

// Open connects using the engine registered under name.
func Open(ctx context.Context, name string, opts Options) (core.Engine, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown engine %q (registered: %v)", name, Names())
	}
	return open(ctx, opts)
}

// Names returns the registered engine names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
