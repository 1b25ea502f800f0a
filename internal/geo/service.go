package geo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/traces"
)

// Service enriches IPs. A nil lookup selects the offline table.
type Service struct {
	lookup Lookup
	store  Store
	cache  *Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an enrichment service. lookup may be nil (offline
// mode). ttl bounds how old a persisted row may be before provider mode
// refetches it.
func NewService(lookup Lookup, store Store, cache *Cache, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		lookup: lookup,
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Offline reports whether the service answers from the offline table.
func (s *Service) Offline() bool {
	return s.lookup == nil
}

// Enrich returns the snapshot for ip. It never fails.
func (s *Service) Enrich(ctx context.Context, ip string) *Enrichment {
	ctx, span := traces.StartSpan(ctx, "geo.enrich", traces.ClientIP(ip), traces.Provider(ProviderName))
	defer span.End()

	if s.lookup == nil {
		e := Offline(ip)
		metrics.GeoLookupsTotal.WithLabelValues("offline").Inc()
		s.persist(ctx, e)
		return e
	}

	if e, ok := s.cache.Get(ip); ok {
		metrics.GeoLookupsTotal.WithLabelValues("cache").Inc()
		return e
	}

	if rec, err := s.store.Get(ctx, ip); err == nil {
		if s.now().Sub(rec.LastUpdated) < s.ttl {
			e := rec.Enrichment
			s.cache.Add(&e)
			metrics.GeoLookupsTotal.WithLabelValues("cache").Inc()
			return &e
		}
	} else if !errors.Is(err, ErrNotFound) {
		logging.L(ctx).Warn("geolocation store read failed", "ip", ip, "error", err)
	}

	e, err := s.lookup.Lookup(ctx, ip)
	if err != nil {
		traces.RecordError(span, err)
		metrics.GeoLookupsTotal.WithLabelValues("degraded").Inc()
		logging.L(ctx).Warn("geolocation provider failed, using degraded enrichment", "ip", ip, "error", err)
		return Unknown(ip)
	}

	metrics.GeoLookupsTotal.WithLabelValues("provider").Inc()
	s.cache.Add(e)
	s.persist(ctx, e)
	return e
}

// Prune deletes persisted rows older than the cache TTL.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.store.Prune(ctx, s.now().Add(-s.ttl))
}

// StartPruner runs Prune every interval until ctx is done.
func (s *Service) StartPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				s.logger.Warn("geolocation prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("pruned stale geolocation records", "count", n)
			}
		}
	}
}

func (s *Service) persist(ctx context.Context, e *Enrichment) {
	if err := s.store.Upsert(ctx, e); err != nil {
		logging.L(ctx).Warn("geolocation cache write failed", "ip", e.IP, "error", err)
	}
}
