package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// SyncMode controls how a directory sync treats bundles already in the
// registry directory.
type SyncMode string

const (
	// SyncMerge adds and updates; existing files not present in the source
	// are kept.
	SyncMerge SyncMode = "merge"
	// SyncMirror makes the registry match the source exactly, removing
	// bundle files absent from it.
	SyncMirror SyncMode = "sync"
)

// Registry holds validated bundles loaded from a directory of
// <bundle_id>@<version>.json files.
type Registry struct {
	dir       string
	evaluator *applicability.Evaluator

	mu      sync.RWMutex
	bundles map[string]*Bundle // key: bundle_id@version
}

// NewRegistry opens a registry over dir, creating it if absent, and loads
// every bundle file in it.
func NewRegistry(dir string, evaluator *applicability.Evaluator) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	r := &Registry{dir: dir, evaluator: evaluator, bundles: make(map[string]*Bundle)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseFilename splits "<bundle_id>@<version>.json" into its parts.
func ParseFilename(name string) (bundleID, version string, err error) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return "", "", errkind.E(errkind.Validation, "bundle file %q is not .json", name)
	}
	at := strings.LastIndex(base, "@")
	if at <= 0 || at == len(base)-1 {
		return "", "", errkind.E(errkind.Validation,
			"bundle file %q is not <bundle_id>@<version>.json", name)
	}
	return base[:at], base[at+1:], nil
}

// Filename renders the canonical file name for a bundle.
func Filename(bundleID, version string) string {
	return bundleID + "@" + version + ".json"
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read bundle dir: %w", err)
	}

	loaded := make(map[string]*Bundle)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		bundleID, version, err := ParseFilename(entry.Name())
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read bundle %s: %w", entry.Name(), err)
		}
		b, err := Parse(raw, r.evaluator)
		if err != nil {
			return errkind.Wrap(errkind.KindOf(err), err, "bundle file %s", entry.Name())
		}
		if b.BundleID != bundleID || b.Version != version {
			return errkind.E(errkind.Validation,
				"bundle file %s declares %s@%s", entry.Name(), b.BundleID, b.Version)
		}
		loaded[entry.Name()] = b
	}

	r.mu.Lock()
	r.bundles = loaded
	r.mu.Unlock()
	return nil
}

// Get returns one bundle by ID and version.
func (r *Registry) Get(bundleID, version string) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[Filename(bundleID, version)]
	if !ok {
		return nil, errkind.E(errkind.NotFound, "bundle %s@%s not found", bundleID, version)
	}
	return b, nil
}

// List returns all bundles sorted by (regime, bundle_id, version).
func (r *Registry) List() []*Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Regime != out[j].Regime {
			return out[i].Regime < out[j].Regime
		}
		if out[i].BundleID != out[j].BundleID {
			return out[i].BundleID < out[j].BundleID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Select picks, for each bundle ID, the latest version whose regime is in
// regimes and whose jurisdiction is in jurisdictions or GLOBAL. Versions
// compare as semver; a non-semver version never beats a semver one.
// Selection order is deterministic: ascending (regime, bundle_id).
func (r *Registry) Select(regimes, jurisdictions []string) []*Bundle {
	regimeSet := toSet(regimes)
	jurisdictionSet := toSet(jurisdictions)
	jurisdictionSet["GLOBAL"] = struct{}{}

	grouped := make(map[string][]*Bundle)
	for _, b := range r.List() {
		if _, ok := regimeSet[b.Regime]; !ok {
			continue
		}
		if _, ok := jurisdictionSet[b.Jurisdiction]; !ok {
			continue
		}
		key := b.Regime + "\x00" + b.BundleID
		grouped[key] = append(grouped[key], b)
	}

	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	selected := make([]*Bundle, 0, len(keys))
	for _, key := range keys {
		candidates := grouped[key]
		sort.Slice(candidates, func(i, j int) bool {
			return newerVersion(candidates[i].Version, candidates[j].Version)
		})
		selected = append(selected, candidates[0])
	}
	return selected
}

// newerVersion reports whether a sorts before b as the newer version.
func newerVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		if !va.Equal(vb) {
			return va.GreaterThan(vb)
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a > b
	}
}

// Sync copies validated bundle files from srcDir into the registry
// directory and reloads. In mirror mode, registry files absent from the
// source are removed. Invalid source files abort the sync before any write.
func (r *Registry) Sync(srcDir string, mode SyncMode) error {
	if mode != SyncMerge && mode != SyncMirror {
		return errkind.E(errkind.Validation, "unknown sync mode %q", mode)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read sync source: %w", err)
	}

	incoming := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		bundleID, version, err := ParseFilename(entry.Name())
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		b, err := Parse(raw, r.evaluator)
		if err != nil {
			return errkind.Wrap(errkind.KindOf(err), err, "bundle file %s", entry.Name())
		}
		if b.BundleID != bundleID || b.Version != version {
			return errkind.E(errkind.Validation,
				"bundle file %s declares %s@%s", entry.Name(), b.BundleID, b.Version)
		}
		incoming[entry.Name()] = raw
	}

	if mode == SyncMirror {
		existing, err := os.ReadDir(r.dir)
		if err != nil {
			return fmt.Errorf("read bundle dir: %w", err)
		}
		for _, entry := range existing {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			if _, keep := incoming[entry.Name()]; !keep {
				if err := os.Remove(filepath.Join(r.dir, entry.Name())); err != nil {
					return fmt.Errorf("remove %s: %w", entry.Name(), err)
				}
			}
		}
	}

	for name, raw := range incoming {
		if err := os.WriteFile(filepath.Join(r.dir, name), raw, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return r.reload()
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
