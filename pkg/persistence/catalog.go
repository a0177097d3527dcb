package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/btree"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/vecmath"
)

// Catalog tracks the checkpoint files of one directory, ordered by step.
// Entries come from the canonical file names, so a checkpoint whose
// header no longer parses still appears in the catalog; resuming from it
// then fails loudly in Load instead of silently falling back to an older
// state.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	byStep *btree.BTreeG[Info]
}

func infoLess(a, b Info) bool { return a.Step < b.Step }

// OpenCatalog scans dir for checkpoint files, creating the directory if
// needed. Files that do not follow the checkpoint naming scheme are
// ignored.
func OpenCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	c := &Catalog{dir: dir, byStep: btree.NewBTreeG[Info](infoLess)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		step, ok := stepFromName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := ReadInfo(path)
		if err != nil {
			// Keep the file listed under its name-derived step so the
			// damage surfaces on load.
			info = Info{Path: path, Step: step}
			if st, serr := os.Stat(path); serr == nil {
				info.Size = st.Size()
				info.SavedAt = st.ModTime()
			}
		}
		c.byStep.Set(info)
	}
	return c, nil
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// Len returns the number of tracked checkpoints.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byStep.Len()
}

// Latest returns the checkpoint with the highest step.
func (c *Catalog) Latest() (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byStep.Max()
}

// At returns the checkpoint saved at exactly the given step.
func (c *Catalog) At(step uint64) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byStep.Get(Info{Step: step})
}

// List returns all tracked checkpoints in ascending step order.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, c.byStep.Len())
	c.byStep.Scan(func(info Info) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Save checkpoints the scene into the catalog directory and registers
// the result. A second save at the same step replaces the first.
func (c *Catalog) Save(scene *core.Scene, precision vecmath.Precision) (Info, error) {
	info, err := Save(c.dir, scene, precision)
	if err != nil {
		return Info{}, err
	}
	c.mu.Lock()
	c.byStep.Set(info)
	c.mu.Unlock()
	return info, nil
}

// LoadLatest restores the newest checkpoint into the scene. An empty
// catalog returns ErrNoCheckpoints; a corrupt newest checkpoint fails
// with ErrCorruptCheckpoint rather than trying older files, since
// resuming from stale state silently would discard newer observations.
func (c *Catalog) LoadLatest(scene *core.Scene) (Info, error) {
	latest, ok := c.Latest()
	if !ok {
		return Info{}, ErrNoCheckpoints
	}
	return Load(latest.Path, scene)
}

// Prune deletes the oldest checkpoints until at most keep remain,
// returning the removed entries.
func (c *Catalog) Prune(keep int) ([]Info, error) {
	if keep < 0 {
		return nil, fmt.Errorf("prune keep %d must not be negative", keep)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []Info
	for c.byStep.Len() > keep {
		oldest, ok := c.byStep.Min()
		if !ok {
			break
		}
		if err := os.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove checkpoint %s: %w", oldest.Path, err)
		}
		c.byStep.Delete(oldest)
		removed = append(removed, oldest)
	}
	return removed, nil
}
