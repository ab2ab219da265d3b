// Package compress writes precompressed siblings (.br, .gz, .zst) next to
// build artifacts so a static file server can serve them directly.
package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// Compressor writes one compressed sibling per eligible file
type Compressor interface {
	// Codec returns the extension appended to compressed siblings
	Codec() types.Codec
	// NewWriter wraps w with the codec's encoder
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

type brotliCompressor struct{ quality int }

func (b brotliCompressor) Codec() types.Codec { return types.CodecBrotli }

func (b brotliCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, b.quality), nil
}

type gzipCompressor struct{ level int }

func (g gzipCompressor) Codec() types.Codec { return types.CodecGzip }

func (g gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, g.level)
}

type zstdCompressor struct{ level int }

func (z zstdCompressor) Codec() types.Codec { return types.CodecZstd }

func (z zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(z.level)))
}

// Brotli returns a brotli compressor; quality ranges 0-11
func Brotli(quality int) Compressor {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		quality = brotli.BestCompression
	}
	return brotliCompressor{quality: quality}
}

// Gzip returns a gzip compressor; level ranges 1-9
func Gzip(level int) Compressor {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.BestCompression
	}
	return gzipCompressor{level: level}
}

// Zstd returns a zstd compressor for a zstd level (1-22)
func Zstd(level int) Compressor {
	return zstdCompressor{level: level}
}

// FromConfig returns the compressors named in cfg, in order
func FromConfig(cfg types.CompressionConfig) ([]Compressor, error) {
	out := make([]Compressor, 0, len(cfg.Codecs))
	for _, codec := range cfg.Codecs {
		switch codec {
		case types.CodecBrotli:
			out = append(out, Brotli(cfg.BrotliQuality))
		case types.CodecGzip:
			out = append(out, Gzip(cfg.GzipLevel))
		case types.CodecZstd:
			out = append(out, Zstd(cfg.ZstdLevel))
		default:
			return nil, fmt.Errorf("%w: unknown codec %q", types.ErrInvalidConfig, codec)
		}
	}
	return out, nil
}

// Tree compresses every file under root accepted by include and returns the
// number of siblings written. Existing compressed siblings are never inputs.
func Tree(ctx context.Context, c Compressor, root string, include *utils.PatternMatcher) (int, error) {
	files, err := utils.FindFiles(root, include, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	count := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if isCompressed(rel) {
			continue
		}
		if err := File(c, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// File writes path.<codec> next to path, leaving path untouched.
func File(c Compressor, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := path + "." + string(c.Codec())
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmp := out.Name()

	fail := func(err error) error {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}

	w, err := c.NewWriter(out)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func isCompressed(rel string) bool {
	for _, codec := range []types.Codec{types.CodecBrotli, types.CodecGzip, types.CodecZstd} {
		if strings.HasSuffix(rel, "."+string(codec)) {
			return true
		}
	}
	return false
}
