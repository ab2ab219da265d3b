package rev

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// FingerprintOptions configures a Fingerprinter
type FingerprintOptions struct {
	// Root is the directory asset paths are relative to
	Root      string
	Algorithm types.HashAlgorithm
	// Length truncates the hex digest; zero keeps it whole
	Length int
	Logger logger.Logger
}

// Fingerprinter embeds a content hash in asset file names
type Fingerprinter struct {
	opts   FingerprintOptions
	hash   Hasher
	logger logger.Logger
}

// NewFingerprinter creates a Fingerprinter
func NewFingerprinter(opts FingerprintOptions) (*Fingerprinter, error) {
	hash, err := NewHasher(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.Length < 0 {
		return nil, fmt.Errorf("%w: negative hash length %d", types.ErrInvalidConfig, opts.Length)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Fingerprinter{
		opts:   opts,
		hash:   hash,
		logger: log,
	}, nil
}

// Digest returns the possibly truncated content hash of data
func (f *Fingerprinter) Digest(data []byte) string {
	sum := f.hash(data)
	if f.opts.Length > 0 && f.opts.Length < len(sum) {
		return sum[:f.opts.Length]
	}
	return sum
}

// Fingerprint hashes every file in files (slash paths relative to Root),
// writes each one under its hashed name and returns the resulting manifest.
// Any missing input fails the whole call with a *types.MissingAssetError and
// no manifest.
func (f *Fingerprinter) Fingerprint(ctx context.Context, files []string) (*Manifest, error) {
	entries := make(map[string]string, len(files))

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel = path.Clean(filepath.ToSlash(rel))
		if _, seen := entries[rel]; seen {
			continue
		}

		src := filepath.Join(f.opts.Root, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			if err == nil || os.IsNotExist(err) {
				return nil, &types.MissingAssetError{Stage: "fingerprint", Path: rel}
			}
			return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
		}

		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}

		hashed := HashedPath(rel, f.Digest(data))
		dst := filepath.Join(f.opts.Root, filepath.FromSlash(hashed))

		if err := utils.WriteFileAtomic(dst, data, info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", hashed, err)
		}

		f.logger.Debug("Fingerprinted asset",
			logger.WithField("asset", rel),
			logger.WithField("hashed", hashed))
		entries[rel] = hashed
	}

	return NewManifest(entries)
}
