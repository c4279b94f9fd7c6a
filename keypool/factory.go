package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
)

// StoreFactory builds pool stores from location URIs.
type StoreFactory struct {
	limits Limits
	source keysource.Source
	escrow Escrow
	log    *slog.Logger
}

// NewStoreFactory creates a factory. The escrow may be nil; it only applies
// to durable stores.
func NewStoreFactory(limits Limits, source keysource.Source, escrow Escrow, log *slog.Logger) *StoreFactory {
	return &StoreFactory{limits: limits, source: source, escrow: escrow, log: log}
}

// StoreFor creates a pool store from a location URI.
//
// Supported schemes:
//   - postgres:// (also postgresql://) - durable PostgreSQL store
//   - memory:// - in-process store, for tests and cache-only deployments
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *StoreFactory) StoreFor(ctx context.Context, locationURI string) (interfaces.PoolStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		f.log.Debug("Creating postgres pool store", slog.String("host", u.Host))
		return NewPostgresStore(ctx, locationURI, f.limits, f.source, f.escrow, f.log)
	case "memory":
		f.log.Debug("Creating memory pool store")
		return NewMemoryStore(f.limits, f.source, f.log), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}
