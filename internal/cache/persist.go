package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ---------------------------------------------------------------------------
// Snapshot persistence — optional, keyed by data fingerprint
// ---------------------------------------------------------------------------

// snapshotVersion guards against loading snapshots written by an
// incompatible layout.
const snapshotVersion = 1

// persistedEntry is one cache entry in serialized form.
type persistedEntry struct {
	Asset       string               `json:"asset"`
	Fingerprint string               `json:"fingerprint"`
	Spec        series.WindowSpec    `json:"spec"`
	Result      *series.MetricResult `json:"result"`
}

// snapshot is the serializable cache state.
type snapshot struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Entries   []persistedEntry `json:"entries"`
}

// SaveSnapshot persists every landed entry, most recently used first.
// In-flight computations are skipped. The write is atomic (temp file then
// rename) so a crash never leaves a torn snapshot.
func (c *Cache) SaveSnapshot(path string) error {
	c.mu.Lock()
	snap := snapshot{Version: snapshotVersion, CreatedAt: time.Now()}
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.inflight {
			continue
		}
		snap.Entries = append(snap.Entries, persistedEntry{
			Asset:       e.key.Asset,
			Fingerprint: e.key.Fingerprint,
			Spec:        e.key.Spec,
			Result:      e.result,
		})
	}
	c.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: create snapshot dir: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("cache: write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cache: rename snapshot: %w", err)
	}

	log.Debug().Str("path", path).Int("entries", len(snap.Entries)).Msg("Cache snapshot saved")
	return nil
}

// LoadSnapshot restores entries from a previous run. Entries beyond the
// cache capacity are dropped (snapshot order is most recently used first).
// Because the key embeds the data fingerprint, entries for series whose
// content has since changed simply never match and age out of the LRU;
// entries with malformed content are skipped outright.
func (c *Cache) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cache: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("cache: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("cache: snapshot version %d unsupported (want %d)", snap.Version, snapshotVersion)
	}

	loaded, skipped := 0, 0
	c.mu.Lock()
	// Walk in reverse so a PushFront per entry reproduces the saved order.
	for i := len(snap.Entries) - 1; i >= 0; i-- {
		pe := snap.Entries[i]
		if pe.Result == nil || pe.Asset == "" || pe.Fingerprint == "" || pe.Asset != pe.Result.Asset {
			skipped++
			continue
		}
		key := Key{Asset: pe.Asset, Fingerprint: pe.Fingerprint, Spec: pe.Spec}
		if _, exists := c.entries[key]; exists {
			continue
		}
		e := &entry{key: key, result: pe.Result, done: closedChan()}
		e.elem = c.order.PushFront(e)
		c.entries[key] = e
		loaded++
	}
	c.evictLocked()
	c.mu.Unlock()

	log.Debug().Str("path", path).Int("loaded", loaded).Int("skipped", skipped).Msg("Cache snapshot loaded")
	return nil
}

// closedChan returns an already-closed channel for restored entries.
func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
