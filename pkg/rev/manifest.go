// Package rev fingerprints compiled assets and rewrites HTML references to
// their fingerprinted names.
//
// The Fingerprinter is the only producer of a Manifest; a Manifest cannot be
// modified once built, and a Rewriter can only be constructed from one. That
// is what orders rewriting after hashing.
package rev

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// Manifest maps original relative asset paths to fingerprinted relative
// paths. Paths are slash-separated and relative to the output root.
type Manifest struct {
	entries map[string]string
}

// NewManifest validates and copies entries into an immutable manifest.
func NewManifest(entries map[string]string) (*Manifest, error) {
	m := &Manifest{entries: make(map[string]string, len(entries))}
	for original, hashed := range entries {
		if original == "" || hashed == "" {
			return nil, fmt.Errorf("manifest entry %q -> %q: empty path", original, hashed)
		}
		if original == hashed {
			return nil, fmt.Errorf("manifest entry %q maps to itself", original)
		}
		m.entries[cleanKey(original)] = cleanKey(hashed)
	}
	for original, hashed := range m.entries {
		if _, ok := m.entries[hashed]; ok {
			return nil, fmt.Errorf("manifest entry %q -> %q: fingerprinted path is also an original", original, hashed)
		}
	}
	return m, nil
}

func cleanKey(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// Lookup returns the fingerprinted path for original
func (m *Manifest) Lookup(original string) (string, bool) {
	hashed, ok := m.entries[cleanKey(original)]
	return hashed, ok
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Keys returns the original paths in sorted order
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of the mapping
func (m *Manifest) Entries() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Verify checks that every fingerprinted path exists as a file under root.
func (m *Manifest) Verify(root string) error {
	for _, original := range m.Keys() {
		hashed := m.entries[original]
		if !utils.FileExists(filepath.Join(root, filepath.FromSlash(hashed))) {
			return &types.MissingAssetError{Stage: "manifest", Path: hashed}
		}
	}
	return nil
}

// MarshalJSON encodes the manifest as a flat object, keys sorted
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.entries)
}

// WriteFile flushes the manifest to path. The write is atomic so a reader in
// a later stage never sees a partial manifest.
func (m *Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	data = append(data, '\n')
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest previously written by WriteFile.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.MissingAssetError{Stage: "manifest", Path: path}
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return NewManifest(entries)
}
