package rev

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// referencePattern matches a run of characters that can appear in a path
// reference; quotes, whitespace, angle brackets, parentheses, commas and
// equals signs end it.
var referencePattern = regexp.MustCompile("[^\\s\"'<>()=,`]+")

// Rewriter substitutes manifest keys with their fingerprinted paths inside
// text content. It never parses HTML.
type Rewriter struct {
	manifest *Manifest
	// basename -> key, "" when the basename is shared by several keys
	basenames map[string]string
	hashed    map[string]bool
	exts      map[string]bool
}

// NewRewriter builds a Rewriter for a complete manifest
func NewRewriter(m *Manifest) (*Rewriter, error) {
	if m == nil {
		return nil, errors.New("rewriter requires a manifest")
	}

	r := &Rewriter{
		manifest:  m,
		basenames: make(map[string]string, m.Len()),
		hashed:    make(map[string]bool, m.Len()),
		exts:      make(map[string]bool),
	}

	for _, key := range m.Keys() {
		hashed, _ := m.Lookup(key)
		r.hashed[hashed] = true
		r.exts[path.Ext(key)] = true

		base := path.Base(key)
		if _, dup := r.basenames[base]; dup {
			r.basenames[base] = ""
		} else {
			r.basenames[base] = key
		}
	}

	return r, nil
}

// Rewrite returns content with every resolvable reference replaced, and the
// asset-looking references that had no manifest entry.
func (r *Rewriter) Rewrite(content []byte) ([]byte, []string) {
	var unresolved []string

	out := referencePattern.ReplaceAllFunc(content, func(token []byte) []byte {
		ref := string(token)

		// keep any query string or fragment untouched
		suffix := ""
		if i := strings.IndexAny(ref, "?#"); i >= 0 {
			ref, suffix = ref[:i], ref[i:]
		}

		replaced, ok := r.resolve(ref)
		if ok {
			return []byte(replaced + suffix)
		}
		if r.exts[path.Ext(ref)] && !r.isHashed(ref) {
			unresolved = append(unresolved, ref)
		}
		return token
	})

	return out, unresolved
}

// resolve maps a single reference to its fingerprinted form. A bare file
// name that uniquely identifies a manifest key is replaced by the full
// fingerprinted path.
func (r *Rewriter) resolve(ref string) (string, bool) {
	if ref == "" || r.isHashed(ref) {
		return "", false
	}

	// strip "./", "../" and "/" prefixes so relative and rooted references match
	prefixLen := 0
	for {
		rest := ref[prefixLen:]
		switch {
		case strings.HasPrefix(rest, "./"):
			prefixLen += 2
			continue
		case strings.HasPrefix(rest, "../"):
			prefixLen += 3
			continue
		case strings.HasPrefix(rest, "/"):
			prefixLen++
			continue
		}
		break
	}
	prefix, rel := ref[:prefixLen], ref[prefixLen:]

	if hashed, ok := r.manifest.Lookup(rel); ok && path.Clean(rel) == rel {
		return prefix + hashed, true
	}

	// the reference ends with a full key, e.g. a CDN URL
	for _, key := range r.manifest.Keys() {
		if strings.HasSuffix(rel, "/"+key) {
			hashed, _ := r.manifest.Lookup(key)
			return prefix + strings.TrimSuffix(rel, key) + hashed, true
		}
	}

	if !strings.Contains(rel, "/") {
		if key := r.basenames[rel]; key != "" {
			hashed, _ := r.manifest.Lookup(key)
			return prefix + hashed, true
		}
		return "", false
	}

	// the reference is a trailing part of exactly one key, e.g. "css/style.min.css"
	match := ""
	for _, key := range r.manifest.Keys() {
		if !strings.HasSuffix(key, "/"+rel) {
			continue
		}
		if match != "" {
			return "", false
		}
		match = key
	}
	if match == "" {
		return "", false
	}

	hashed, _ := r.manifest.Lookup(match)
	keep := strings.Count(rel, "/")
	parts := strings.Split(hashed, "/")
	return prefix + strings.Join(parts[len(parts)-keep-1:], "/"), true
}

// isHashed reports whether ref already names a fingerprinted asset
func (r *Rewriter) isHashed(ref string) bool {
	trimmed := strings.TrimLeft(ref, "./")
	if r.hashed[trimmed] {
		return true
	}
	for hashed := range r.hashed {
		if strings.HasSuffix(ref, "/"+hashed) || path.Base(hashed) == path.Base(ref) {
			return true
		}
	}
	return false
}

// RewriteFile rewrites a single file in place. The file is only written when
// its content changes.
func (r *Rewriter) RewriteFile(file string) (bool, []string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return false, nil, err
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return false, nil, err
	}

	out, unresolved := r.Rewrite(content)
	if string(out) == string(content) {
		return false, unresolved, nil
	}

	if err := utils.WriteFileAtomic(file, out, info.Mode().Perm()); err != nil {
		return false, unresolved, err
	}
	return true, unresolved, nil
}

// RewriteResult summarizes a RewriteTree run
type RewriteResult struct {
	Scanned    int
	Rewritten  int
	Unresolved []types.UnresolvedReference
}

// RewriteTree rewrites every file under root accepted by include.
func (r *Rewriter) RewriteTree(root string, include *utils.PatternMatcher) (RewriteResult, error) {
	var result RewriteResult

	files, err := utils.FindFiles(root, include, nil)
	if err != nil {
		return result, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	for _, rel := range files {
		changed, unresolved, err := r.RewriteFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return result, fmt.Errorf("failed to rewrite %s: %w", rel, err)
		}
		result.Scanned++
		if changed {
			result.Rewritten++
		}
		for _, ref := range unresolved {
			result.Unresolved = append(result.Unresolved, types.UnresolvedReference{File: rel, Reference: ref})
		}
	}

	return result, nil
}
