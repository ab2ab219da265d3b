// Package types provides core types and configurations for Revenant
package types

import (
	"fmt"
	"path/filepath"
	"time"
)

// ConfigVersion is the only configuration schema version understood.
const ConfigVersion = "1.0"

// Output subtrees created under the output root.
const (
	HTMLDir   = "html"
	StaticDir = "static"
	DockerDir = "docker"
	TempDir   = "temp"
	CSSDir    = "css"
	JSDir     = "js"
)

// HashAlgorithm names the digest used for asset fingerprints
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashBlake3 HashAlgorithm = "blake3"
)

// Codec names a compression codec by the extension it appends
type Codec string

const (
	CodecBrotli Codec = "br"
	CodecGzip   Codec = "gz"
	CodecZstd   Codec = "zst"
)

// BuildStatus represents the outcome of a build or recompilation
type BuildStatus string

const (
	BuildStatusIdle      BuildStatus = "idle"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSucceeded BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failure"
)

// BuildConfig is the root configuration structure
type BuildConfig struct {
	Version       string             `json:"version" yaml:"version" mapstructure:"version"`
	Layout        LayoutConfig       `json:"layout" yaml:"layout" mapstructure:"layout"`
	Style         StyleConfig        `json:"style" yaml:"style" mapstructure:"style"`
	Script        ScriptConfig       `json:"script" yaml:"script" mapstructure:"script"`
	Rev           RevConfig          `json:"rev" yaml:"rev" mapstructure:"rev"`
	Compression   CompressionConfig  `json:"compression" yaml:"compression" mapstructure:"compression"`
	Watch         WatchConfig        `json:"watch" yaml:"watch" mapstructure:"watch"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications" mapstructure:"notifications"`
}

// LayoutConfig describes the source roots and the output root, all relative
// to the project root.
type LayoutConfig struct {
	StyleEntry  string `json:"styleEntry" yaml:"styleEntry" mapstructure:"styleEntry"`
	StyleDir    string `json:"styleDir" yaml:"styleDir" mapstructure:"styleDir"`
	ScriptEntry string `json:"scriptEntry" yaml:"scriptEntry" mapstructure:"scriptEntry"`
	ScriptDir   string `json:"scriptDir" yaml:"scriptDir" mapstructure:"scriptDir"`
	HTMLDir     string `json:"htmlDir" yaml:"htmlDir" mapstructure:"htmlDir"`
	StaticDir   string `json:"staticDir" yaml:"staticDir" mapstructure:"staticDir"`
	DeployDir   string `json:"deployDir" yaml:"deployDir" mapstructure:"deployDir"`
	OutputDir   string `json:"outputDir" yaml:"outputDir" mapstructure:"outputDir"`
}

// StyleConfig configures stylesheet compilation
type StyleConfig struct {
	SassBinary string   `json:"sassBinary" yaml:"sassBinary" mapstructure:"sassBinary"`
	LoadPaths  []string `json:"loadPaths,omitempty" yaml:"loadPaths,omitempty" mapstructure:"loadPaths"`
	OutputName string   `json:"outputName" yaml:"outputName" mapstructure:"outputName"`
	// Browser targets drive vendor prefixing, e.g. "chrome58", "safari11".
	Targets []string `json:"targets" yaml:"targets" mapstructure:"targets"`
}

// ScriptConfig configures script bundling and minification
type ScriptConfig struct {
	OutputName string `json:"outputName" yaml:"outputName" mapstructure:"outputName"`
	BundleName string `json:"bundleName" yaml:"bundleName" mapstructure:"bundleName"`
	Target     string `json:"target" yaml:"target" mapstructure:"target"`
	GlobalName string `json:"globalName,omitempty" yaml:"globalName,omitempty" mapstructure:"globalName"`
}

// RevConfig configures fingerprinting and reference rewriting
type RevConfig struct {
	Algorithm    HashAlgorithm `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	Length       int           `json:"length" yaml:"length" mapstructure:"length"`
	ManifestName string        `json:"manifestName" yaml:"manifestName" mapstructure:"manifestName"`
	HTMLPatterns []string      `json:"htmlPatterns" yaml:"htmlPatterns" mapstructure:"htmlPatterns"`
}

// CompressionConfig configures the compressed sibling artifacts
type CompressionConfig struct {
	Codecs        []Codec  `json:"codecs" yaml:"codecs" mapstructure:"codecs"`
	Patterns      []string `json:"patterns" yaml:"patterns" mapstructure:"patterns"`
	BrotliQuality int      `json:"brotliQuality" yaml:"brotliQuality" mapstructure:"brotliQuality"`
	GzipLevel     int      `json:"gzipLevel" yaml:"gzipLevel" mapstructure:"gzipLevel"`
	ZstdLevel     int      `json:"zstdLevel,omitempty" yaml:"zstdLevel,omitempty" mapstructure:"zstdLevel"`
}

// WatchConfig configures development mode
type WatchConfig struct {
	SettlingDelay  int      `json:"settlingDelay" yaml:"settlingDelay" mapstructure:"settlingDelay"` // milliseconds
	StylePatterns  []string `json:"stylePatterns" yaml:"stylePatterns" mapstructure:"stylePatterns"`
	ScriptPatterns []string `json:"scriptPatterns" yaml:"scriptPatterns" mapstructure:"scriptPatterns"`
}

// NotificationConfig configures desktop notifications in watch mode
type NotificationConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	FailureOnly bool `json:"failureOnly" yaml:"failureOnly" mapstructure:"failureOnly"`
}

// DefaultBuildConfig returns the configuration used when no config file exists.
func DefaultBuildConfig() *BuildConfig {
	return &BuildConfig{
		Version: ConfigVersion,
		Layout: LayoutConfig{
			StyleEntry:  "src/scss/index.scss",
			StyleDir:    "src/scss",
			ScriptEntry: "src/js/index.js",
			ScriptDir:   "src/js",
			HTMLDir:     "html",
			StaticDir:   "static",
			DeployDir:   "docker/production",
			OutputDir:   "build",
		},
		Style: StyleConfig{
			SassBinary: "sass",
			OutputName: "style.min.css",
			Targets:    []string{"chrome87", "edge88", "firefox78", "safari14"},
		},
		Script: ScriptConfig{
			OutputName: "scripts.min.js",
			BundleName: "scripts.js",
			Target:     "es2017",
		},
		Rev: RevConfig{
			Algorithm:    HashMD5,
			Length:       10,
			ManifestName: "rev-manifest.json",
			HTMLPatterns: []string{"**/*.html"},
		},
		Compression: CompressionConfig{
			Codecs:        []Codec{CodecBrotli, CodecGzip},
			Patterns:      []string{"**/*.js", "**/*.css", "**/*.svg", "**/*.html"},
			BrotliQuality: 11,
			GzipLevel:     9,
			ZstdLevel:     19,
		},
		Watch: WatchConfig{
			SettlingDelay:  100,
			StylePatterns:  []string{"**/*.scss", "**/*.sass", "**/*.css"},
			ScriptPatterns: []string{"**/*.js", "**/*.mjs", "**/*.ts"},
		},
	}
}

// GetSettlingDelay returns the watch settling delay as a duration
func (w WatchConfig) GetSettlingDelay() time.Duration {
	return time.Duration(w.SettlingDelay) * time.Millisecond
}

// Paths resolves every source and destination path used by the pipelines.
type Paths struct {
	Root string

	StyleEntry  string
	StyleDir    string
	ScriptEntry string
	ScriptDir   string
	HTMLSource  string
	StaticSrc   string
	DeploySrc   string

	// development outputs, written inside the static source tree
	DevStyle  string
	DevScript string

	Output    string
	OutHTML   string
	OutStatic string
	OutDocker string
	OutTemp   string
	OutCSS    string
	OutJS     string
	OutBundle string
	OutStyle  string
	OutScript string
	Manifest  string
}

// ResolvePaths joins the layout onto root.
func (c *BuildConfig) ResolvePaths(root string) Paths {
	l := c.Layout
	out := filepath.Join(root, l.OutputDir)
	static := filepath.Join(root, l.StaticDir)

	p := Paths{
		Root:        root,
		StyleEntry:  filepath.Join(root, l.StyleEntry),
		StyleDir:    filepath.Join(root, l.StyleDir),
		ScriptEntry: filepath.Join(root, l.ScriptEntry),
		ScriptDir:   filepath.Join(root, l.ScriptDir),
		HTMLSource:  filepath.Join(root, l.HTMLDir),
		StaticSrc:   static,
		DeploySrc:   filepath.Join(root, l.DeployDir),
		DevStyle:    filepath.Join(static, CSSDir, c.Style.OutputName),
		DevScript:   filepath.Join(static, JSDir, c.Script.OutputName),
		Output:      out,
		OutHTML:     filepath.Join(out, HTMLDir),
		OutStatic:   filepath.Join(out, StaticDir),
		OutDocker:   filepath.Join(out, DockerDir),
		OutTemp:     filepath.Join(out, TempDir),
	}
	p.OutCSS = filepath.Join(p.OutStatic, CSSDir)
	p.OutJS = filepath.Join(p.OutStatic, JSDir)
	p.OutBundle = filepath.Join(p.OutTemp, c.Script.BundleName)
	p.OutStyle = filepath.Join(p.OutCSS, c.Style.OutputName)
	p.OutScript = filepath.Join(p.OutJS, c.Script.OutputName)
	p.Manifest = filepath.Join(p.OutTemp, c.Rev.ManifestName)
	return p
}

// String implements fmt.Stringer for log output
func (s BuildStatus) String() string {
	return string(s)
}

// ParseCodec validates a codec name
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecBrotli, CodecGzip, CodecZstd:
		return Codec(name), nil
	}
	return "", fmt.Errorf("unknown codec: %s", name)
}

// ChangeEvent is a settled batch of changes under one watched root. Files are
// slash paths relative to Root.
type ChangeEvent struct {
	Root  string
	Files []string
}
