package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline failures. Typed errors below unwrap to these
// so callers can use errors.Is().
var (
	// ErrSourceTransform indicates a style or script compilation failure
	ErrSourceTransform = errors.New("source transform failed")

	// ErrMissingAsset indicates a stage input that is absent from disk
	ErrMissingAsset = errors.New("missing asset")

	// ErrInvalidConfig indicates a configuration that failed validation
	ErrInvalidConfig = errors.New("invalid configuration")
)

// SourceTransformError reports a compiler or bundler failure together with
// the tool's own diagnostics.
type SourceTransformError struct {
	Stage  string
	Source string
	Detail string
	Err    error
}

func (e *SourceTransformError) Error() string {
	msg := fmt.Sprintf("%s: compiling %s", e.Stage, e.Source)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += "\n" + e.Detail
	}
	return msg
}

func (e *SourceTransformError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceTransform}
	}
	return []error{ErrSourceTransform, e.Err}
}

// MissingAssetError reports a stage input that was never produced.
type MissingAssetError struct {
	Stage string
	Path  string
}

func (e *MissingAssetError) Error() string {
	return fmt.Sprintf("%s: missing asset %s", e.Stage, e.Path)
}

func (e *MissingAssetError) Unwrap() error {
	return ErrMissingAsset
}

// UnresolvedReference is a warning, not a failure: an HTML reference to an
// asset-looking path that has no manifest entry. It is left unchanged.
type UnresolvedReference struct {
	File      string
	Reference string
}

func (u UnresolvedReference) String() string {
	if u.File == "" {
		return u.Reference
	}
	return fmt.Sprintf("%s: %s", u.File, u.Reference)
}
