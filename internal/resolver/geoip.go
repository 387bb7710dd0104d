package resolver

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// geoRecord is the subset of the GeoLite2 City schema we decode.
type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	Traits struct {
		ASN uint   `maxminddb:"autonomous_system_number"`
		Org string `maxminddb:"autonomous_system_organization"`
		ISP string `maxminddb:"isp"`
	} `maxminddb:"traits"`
}

// GeoLocation is one GeoIP lookup result.
type GeoLocation struct {
	Country string
	Region  string
	City    string
	Lat     float64
	Lon     float64
	ASN     uint
	Org     string
	ISP     string
}

// GeoService wraps a maxminddb reader with hot-reloading. The database
// file is managed externally (mounted or synced by ops); the service
// re-opens it on a cron schedule so a replaced file is picked up without
// a restart. Lookups with no database loaded return zero values.
type GeoService struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader

	path        string
	cron        *cron.Cron
	cronEntryID cron.EntryID
	reloadMu    sync.Mutex // serializes ReloadNow calls
	loadedMtime time.Time
}

// NewGeoService creates a GeoIP service for the database at path.
// An empty path disables GeoIP entirely.
func NewGeoService(path, refreshSchedule string) *GeoService {
	c := cron.New()
	s := &GeoService{path: path, cron: c}
	if path == "" {
		return s
	}

	entryID, err := c.AddFunc(refreshSchedule, func() {
		if err := s.ReloadNow(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", refreshSchedule, err)
	} else {
		s.cronEntryID = entryID
	}
	return s
}

// Start loads the database if present and starts the refresh schedule.
// A missing file is logged, not fatal: metadata degrades to DNS-only.
func (s *GeoService) Start() error {
	if s.path == "" {
		log.Println("[geoip] no database path configured, lookups disabled")
		return nil
	}
	info, err := os.Stat(s.path)
	switch {
	case err == nil:
		if err := s.ReloadNow(); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
		if s.isStale(info.ModTime()) {
			log.Printf("[geoip] database %s looks stale (mtime %s)", s.path, info.ModTime().Format(time.RFC3339))
		}
	case os.IsNotExist(err):
		log.Printf("[geoip] database %s not found, lookups disabled until it appears", s.path)
	default:
		return fmt.Errorf("geoip: stat db %s: %w", s.path, err)
	}
	s.cron.Start()
	return nil
}

// isStale reports whether the file's mtime is older than 2× the gap
// between two consecutive refresh firings. Falls back to 32 days when
// the schedule could not be registered.
func (s *GeoService) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}
	now := time.Now()
	next := entry.Schedule.Next(now)
	interval := entry.Schedule.Next(next).Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop stops the refresh schedule and closes the reader.
func (s *GeoService) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// ReloadNow re-opens the database file if its mtime changed since the
// last load (or nothing is loaded yet).
func (s *GeoService) ReloadNow() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("geoip: stat db %s: %w", s.path, err)
	}
	s.mu.RLock()
	loaded := s.reader != nil
	s.mu.RUnlock()
	if loaded && info.ModTime().Equal(s.loadedMtime) {
		return nil
	}

	newReader, err := maxminddb.Open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	s.loadedMtime = info.ModTime()
	// Safe to close old: all RLock holders on old have released.
	if old != nil {
		old.Close()
	}
	log.Printf("[geoip] loaded %s (mtime %s)", s.path, info.ModTime().Format(time.RFC3339))
	return nil
}

// Lookup returns location data for ip, or ok=false when no database is
// loaded or the address is unknown to it.
func (s *GeoService) Lookup(ip net.IP) (GeoLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return GeoLocation{}, false
	}
	var rec geoRecord
	if err := s.reader.Lookup(ip, &rec); err != nil {
		return GeoLocation{}, false
	}
	loc := GeoLocation{
		Country: rec.Country.ISOCode,
		City:    rec.City.Names["en"],
		Lat:     rec.Location.Latitude,
		Lon:     rec.Location.Longitude,
		ASN:     rec.Traits.ASN,
		Org:     rec.Traits.Org,
		ISP:     rec.Traits.ISP,
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].ISOCode
	}
	if loc == (GeoLocation{}) {
		return loc, false
	}
	return loc, true
}
