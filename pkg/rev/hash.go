package rev

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/poltergeist/revenant/pkg/types"
)

// Hasher returns the hex digest of data
type Hasher func(data []byte) string

// NewHasher returns the Hasher for alg
func NewHasher(alg types.HashAlgorithm) (Hasher, error) {
	switch alg {
	case types.HashMD5, "":
		return func(data []byte) string {
			sum := md5.Sum(data)
			return hex.EncodeToString(sum[:])
		}, nil
	case types.HashBlake3:
		return func(data []byte) string {
			sum := blake3.Sum256(data)
			return hex.EncodeToString(sum[:])
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown hash algorithm %q", types.ErrInvalidConfig, alg)
}

// HashedName embeds hash into a file name the way rev does: the hash goes
// before the last inner extension, so "style.min.css" becomes
// "style-<hash>.min.css" and "scripts.js" becomes "scripts-<hash>.js".
func HashedName(name, hash string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if i := strings.LastIndexByte(stem, '.'); i > 0 {
		return stem[:i] + "-" + hash + stem[i:] + ext
	}
	return stem + "-" + hash + ext
}

// HashedPath applies HashedName to the last element of a slash path
func HashedPath(p, hash string) string {
	dir, name := path.Split(p)
	return dir + HashedName(name, hash)
}
