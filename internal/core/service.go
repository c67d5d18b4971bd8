package core

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/csvmerge/internal/logging"
	"github.com/JonMunkholm/csvmerge/internal/source"
)

// Defaults are applied to requests built by callers that only know a table
// and a file (HTTP form fields, scheduled jobs, CLI flags).
type Defaults struct {
	Delimiter         string
	HasHeader         bool
	ReplaceDuplicates bool
	RequireKey        bool
}

// Service is the entry point shared by the CLI, HTTP API and scheduler. It
// resolves file references, bounds concurrency and applies a per-load
// timeout around Loader.
type Service struct {
	loader   *Loader
	limiter  *LoadLimiter
	resolver *source.Resolver
	timeout  time.Duration
	defaults Defaults
}

// ServiceConfig holds Service settings.
type ServiceConfig struct {
	Timeout  time.Duration
	Defaults Defaults
}

// NewService creates a Service.
func NewService(loader *Loader, limiter *LoadLimiter, resolver *source.Resolver, cfg ServiceConfig) *Service {
	if cfg.Defaults.Delimiter == "" {
		cfg.Defaults.Delimiter = ","
	}
	return &Service{
		loader:   loader,
		limiter:  limiter,
		resolver: resolver,
		timeout:  cfg.Timeout,
		defaults: cfg.Defaults,
	}
}

// NewRequest builds a request for table and file using the service defaults.
func (s *Service) NewRequest(table, file string) Request {
	return Request{
		Table:             table,
		Path:              file,
		Delimiter:         s.defaults.Delimiter,
		HasHeader:         s.defaults.HasHeader,
		ReplaceDuplicates: s.defaults.ReplaceDuplicates,
		RequireKey:        s.defaults.RequireKey,
	}
}

// Limiter returns the service's load limiter.
func (s *Service) Limiter() *LoadLimiter {
	return s.limiter
}

// Load resolves req.Path (local path or remote URI), waits for a load slot
// and runs the load. Result.Checksum is the xxh3 checksum of the loaded bytes.
func (s *Service) Load(ctx context.Context, req Request) (*Result, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire load slot: %w", err)
	}
	defer s.limiter.Release()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	file, err := s.resolver.Resolve(ctx, req.Path)
	if err != nil {
		return nil, newError(KindInvalidRequest, "resolve source", Table{Name: req.Table}, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logging.FromContext(ctx).Warn("failed to remove temp file", "path", file.Path, "error", cerr)
		}
	}()

	local := req
	local.Path = file.Path
	res, err := s.loader.Load(ctx, local)
	if err != nil {
		return nil, err
	}
	res.Checksum = file.Checksum
	return res, nil
}

// Keys reports the unique constraints of table and the reconciliation key
// fields would produce.
func (s *Service) Keys(ctx context.Context, table string, fields []string) (*KeyReport, error) {
	return s.loader.Discover(ctx, table, fields)
}

// Ping checks the engine by opening and rolling back a read-only transaction.
func (s *Service) Ping(ctx context.Context) error {
	tx, err := s.loader.engine.Begin(ctx, TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	return tx.Rollback(ctx)
}
