// Package cache stores previously generated media outputs keyed by their
// normalized text so repeated phrases skip the provider call entirely.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// StoreKey is the persistence namespace of the cache.
const StoreKey = "cache"

// Config tunes the cache. Zero values fall back to defaults.
type Config struct {
	TTL          time.Duration
	Capacity     int
	EvictPercent float64
	MaxWords     int
	MaxChars     int
	CostPerCall  float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		Capacity:     100,
		EvictPercent: 0.2,
		MaxWords:     30,
		MaxChars:     200,
		CostPerCall:  0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.EvictPercent <= 0 || c.EvictPercent > 1 {
		c.EvictPercent = d.EvictPercent
	}
	if c.MaxWords <= 0 {
		c.MaxWords = d.MaxWords
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.CostPerCall < 0 {
		c.CostPerCall = d.CostPerCall
	}
	return c
}

// Artifact is a cached generation result.
type Artifact struct {
	NormalizedKey string    `json:"normalized_key"`
	OriginalText  string    `json:"original_text"`
	VideoRef      string    `json:"video_ref,omitempty"`
	AudioRef      string    `json:"audio_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	HitCount      int       `json:"hit_count"`
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	Size             int     `json:"size"`
	EstimatedSavings float64 `json:"estimated_savings"`
}

type persisted struct {
	version uint64

	Entries []Artifact `json:"entries"`
	Hits    int64      `json:"hits"`
	Misses  int64      `json:"misses"`
	Savings float64    `json:"savings"`
}

// Service is the response cache.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	clock   domain.Clock
	store   domain.Store
	sink    domain.EventSink
	entries map[string]*Artifact
	hits    int64
	misses  int64
	savings float64
	version uint64

	flushMu      sync.Mutex
	flushedUntil uint64
}

// New builds a cache. store and sink may be nil.
func New(cfg Config, clk domain.Clock, store domain.Store, sink domain.EventSink) *Service {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		store:   store,
		sink:    sink,
		entries: make(map[string]*Artifact),
	}
}

// NormalizeKey lowercases, trims and strips trailing sentence punctuation so
// "Hello!" and "hello" share an entry.
func NormalizeKey(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		switch r {
		case '.', '!', '?', ',', ';', ':', '…':
			return true
		}
		return unicode.IsSpace(r)
	})
	return strings.TrimSpace(s)
}

// Cacheable reports whether text is short enough to be worth caching. Text
// that normalizes to an empty key is never cacheable.
func (s *Service) Cacheable(text string) bool {
	if NormalizeKey(text) == "" {
		return false
	}
	return len(strings.Fields(text)) <= s.cfg.MaxWords && len([]rune(text)) <= s.cfg.MaxChars
}

// Get returns the live artifact for text. Expired entries read as a miss even
// while they are still stored.
func (s *Service) Get(text string) (Artifact, bool) {
	key := NormalizeKey(text)
	now := s.clock.Now()

	s.mu.Lock()
	a, ok := s.entries[key]
	if !ok || key == "" || now.Sub(a.CreatedAt) > s.cfg.TTL {
		s.misses++
		s.mu.Unlock()
		s.sink.Publish(domain.CacheLookup{Hit: false, At: now})
		return Artifact{}, false
	}
	a.HitCount++
	s.hits++
	s.savings += s.cfg.CostPerCall
	out := *a
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.sink.Publish(domain.CacheLookup{Hit: true, At: now})
	s.flush(snap)
	return out, true
}

// Set stores an output for text. It returns false when the text is not
// cacheable.
func (s *Service) Set(text, videoRef, audioRef string) bool {
	if !s.Cacheable(text) {
		return false
	}
	key := NormalizeKey(text)
	now := s.clock.Now()

	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		existing.OriginalText = text
		existing.VideoRef = videoRef
		existing.AudioRef = audioRef
		existing.CreatedAt = now
	} else {
		if len(s.entries) >= s.cfg.Capacity {
			s.evictLocked()
		}
		s.entries[key] = &Artifact{
			NormalizedKey: key,
			OriginalText:  text,
			VideoRef:      videoRef,
			AudioRef:      audioRef,
			CreatedAt:     now,
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.flush(snap)
	return true
}

// evictLocked drops the lowest-hitCount share of entries, oldest first on ties.
func (s *Service) evictLocked() {
	n := int(float64(s.cfg.Capacity) * s.cfg.EvictPercent)
	if n < 1 {
		n = 1
	}
	all := make([]*Artifact, 0, len(s.entries))
	for _, a := range s.entries {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].HitCount != all[j].HitCount {
			return all[i].HitCount < all[j].HitCount
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(s.entries, a.NormalizedKey)
	}
	slog.Debug("cache evicted entries", slog.Int("evicted", n), slog.Int("remaining", len(s.entries)))
}

// Cleanup removes expired entries and returns how many were removed.
func (s *Service) Cleanup() int {
	now := s.clock.Now()
	s.mu.Lock()
	removed := 0
	for k, a := range s.entries {
		if now.Sub(a.CreatedAt) > s.cfg.TTL {
			delete(s.entries, k)
			removed++
		}
	}
	var snap persisted
	if removed > 0 {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if removed > 0 {
		slog.Debug("cache cleanup removed expired entries", slog.Int("removed", removed))
		s.flush(snap)
	}
	return removed
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Hits:             s.hits,
		Misses:           s.misses,
		Size:             len(s.entries),
		EstimatedSavings: s.savings,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

func (s *Service) snapshotLocked() persisted {
	s.version++
	p := persisted{
		version: s.version,
		Entries: make([]Artifact, 0, len(s.entries)),
		Hits:    s.hits,
		Misses:  s.misses,
		Savings: s.savings,
	}
	for _, a := range s.entries {
		p.Entries = append(p.Entries, *a)
	}
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].NormalizedKey < p.Entries[j].NormalizedKey })
	return p
}

// Snapshot serializes the cache for the store.
func (s *Service) Snapshot() ([]byte, error) {
	s.mu.Lock()
	p := s.snapshotLocked()
	s.mu.Unlock()
	return json.Marshal(p)
}

// Restore replaces the cache contents with a snapshot.
func (s *Service) Restore(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Artifact, len(p.Entries))
	for i := range p.Entries {
		a := p.Entries[i]
		a.NormalizedKey = NormalizeKey(a.OriginalText)
		s.entries[a.NormalizedKey] = &a
	}
	s.hits, s.misses, s.savings = p.Hits, p.Misses, p.Savings
	return nil
}

// flush writes the snapshot best-effort; failures are logged and ignored.
func (s *Service) flush(p persisted) {
	if s.store == nil {
		return
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	// a newer snapshot already reached the store
	if p.version <= s.flushedUntil {
		return
	}
	s.flushedUntil = p.version
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.store.Save(context.Background(), StoreKey, data); err != nil {
		slog.Debug("cache flush failed", slog.Any("error", err))
	}
}
