// Package resolver produces target metadata by combining DNS resolution
// with GeoIP lookups. Results are cached with a TTL; concurrent
// resolutions are bounded by a FIFO gate so bursts of new targets do not
// flood the system resolver.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/maypok86/otter"

	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

const cacheCapacity = 10000

// lookupFunc resolves a hostname. Swappable in tests.
type lookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver resolves hostnames into TargetMeta. Safe for concurrent use.
type Resolver struct {
	geo    *GeoService
	cache  otter.Cache[string, model.TargetMeta]
	gate   *fifoGate
	lookup lookupFunc
}

// New creates a Resolver backed by geo. geo may be nil (DNS-only metadata).
func New(cfg *config.EnvConfig, geo *GeoService) *Resolver {
	cache, err := otter.MustBuilder[string, model.TargetMeta](cacheCapacity).
		Cost(func(_ string, _ model.TargetMeta) uint32 { return 1 }).
		WithTTL(cfg.TargetMetadataTTL).
		Build()
	if err != nil {
		panic("resolver: failed to create metadata cache: " + err.Error())
	}
	return &Resolver{
		geo:   geo,
		cache: cache,
		gate:  newFIFOGate(cfg.ResolverConcurrency),
		lookup: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
	}
}

// Resolve returns metadata for host, serving from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, host string) (model.TargetMeta, error) {
	if meta, ok := r.cache.Get(host); ok {
		return meta, nil
	}

	if err := r.gate.acquire(ctx); err != nil {
		return model.TargetMeta{}, fmt.Errorf("resolver: waiting for slot: %w", err)
	}
	defer r.gate.release()

	// A waiter ahead of us may have resolved the same host.
	if meta, ok := r.cache.Get(host); ok {
		return meta, nil
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return model.TargetMeta{}, fmt.Errorf("resolver: lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return model.TargetMeta{}, fmt.Errorf("resolver: lookup %s: no addresses", host)
	}

	meta := model.TargetMeta{Hostname: host}

	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	primary := addrs[0].IP
	meta.PrimaryIP = primary.String()
	if data, err := json.Marshal(ips); err == nil {
		meta.IPsJSON = string(data)
	}
	if primary.To4() != nil {
		meta.IPFamily = "v4"
	} else {
		meta.IPFamily = "v6"
	}

	if r.geo != nil {
		if loc, ok := r.geo.Lookup(primary); ok {
			meta.Country = loc.Country
			meta.Region = loc.Region
			meta.City = loc.City
			meta.Lat = loc.Lat
			meta.Lon = loc.Lon
			meta.ASN = loc.ASN
			meta.Org = loc.Org
			meta.ISP = loc.ISP
		}
	}

	r.cache.Set(host, meta)
	return meta, nil
}

// Invalidate drops the cached entry for host.
func (r *Resolver) Invalidate(host string) {
	r.cache.Delete(host)
}

// Close releases the metadata cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

// MergeMeta folds fresh metadata over old without losing information:
// a populated old field survives when the fresh lookup came back empty
// for it (e.g. the GeoIP database was unavailable this round).
func MergeMeta(old, fresh model.TargetMeta) model.TargetMeta {
	out := old
	if fresh.Hostname != "" {
		out.Hostname = fresh.Hostname
	}
	if fresh.PrimaryIP != "" {
		out.PrimaryIP = fresh.PrimaryIP
	}
	if fresh.IPsJSON != "" {
		out.IPsJSON = fresh.IPsJSON
	}
	if fresh.IPFamily != "" {
		out.IPFamily = fresh.IPFamily
	}
	if fresh.Country != "" {
		out.Country = fresh.Country
	}
	if fresh.Region != "" {
		out.Region = fresh.Region
	}
	if fresh.City != "" {
		out.City = fresh.City
	}
	if fresh.Lat != 0 || fresh.Lon != 0 {
		out.Lat = fresh.Lat
		out.Lon = fresh.Lon
	}
	if fresh.ASN != 0 {
		out.ASN = fresh.ASN
	}
	if fresh.Org != "" {
		out.Org = fresh.Org
	}
	if fresh.ISP != "" {
		out.ISP = fresh.ISP
	}
	return out
}
