// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/poltergeist/revenant/pkg/compile"
	"github.com/poltergeist/revenant/pkg/rev"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// EnvPrefix prefixes environment overrides, e.g. REVENANT_REV_ALGORITHM=blake3
const EnvPrefix = "REVENANT"

// ConfigNames are the file names searched in the project root, in order
var ConfigNames = []string{
	"revenant.config.yaml",
	"revenant.config.yml",
	"revenant.config.json",
}

// Manager handles configuration operations
type Manager struct {
	configPath string
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// ConfigPath returns the file used by the last successful load, or "" when
// the defaults were used.
func (m *Manager) ConfigPath() string {
	return m.configPath
}

// FindConfig returns the first config file present in root, or "".
func FindConfig(root string) string {
	for _, name := range ConfigNames {
		path := filepath.Join(root, name)
		if utils.FileExists(path) {
			return path
		}
	}
	return ""
}

// LoadConfig loads configuration from path. Values missing from the file
// keep their defaults, and REVENANT_* environment variables override both.
// An empty path loads the defaults plus environment overrides.
func (m *Manager) LoadConfig(path string) (*types.BuildConfig, error) {
	v := viper.New()
	if err := setDefaults(v, types.DefaultBuildConfig()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &types.BuildConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	m.configPath = path
	return cfg, nil
}

// LoadProject loads the config file found in root, falling back to defaults
func (m *Manager) LoadProject(root string) (*types.BuildConfig, error) {
	return m.LoadConfig(FindConfig(root))
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(config *types.BuildConfig) error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if config.Version != types.ConfigVersion {
		fail("unsupported config version: %s", config.Version)
	}

	l := config.Layout
	for name, value := range map[string]string{
		"layout.styleEntry":  l.StyleEntry,
		"layout.styleDir":    l.StyleDir,
		"layout.scriptEntry": l.ScriptEntry,
		"layout.scriptDir":   l.ScriptDir,
		"layout.htmlDir":     l.HTMLDir,
		"layout.staticDir":   l.StaticDir,
		"layout.deployDir":   l.DeployDir,
	} {
		if value == "" {
			fail("%s is required", name)
		}
	}
	if err := validateOutputDir(l.OutputDir); err != nil {
		errs = append(errs, err)
	}

	if config.Style.OutputName == "" || strings.Contains(config.Style.OutputName, "/") {
		fail("style.outputName must be a file name")
	}
	if _, err := compile.ParseEngines(config.Style.Targets); err != nil {
		errs = append(errs, err)
	}

	if config.Script.OutputName == "" || strings.Contains(config.Script.OutputName, "/") {
		fail("script.outputName must be a file name")
	}
	if config.Script.BundleName == "" || strings.Contains(config.Script.BundleName, "/") {
		fail("script.bundleName must be a file name")
	}
	if _, err := compile.ParseTarget(config.Script.Target); err != nil {
		errs = append(errs, err)
	}

	if _, err := rev.NewHasher(config.Rev.Algorithm); err != nil {
		errs = append(errs, err)
	}
	if config.Rev.Length < 0 || config.Rev.Length > 64 {
		fail("rev.length must be between 0 and 64")
	}
	if config.Rev.ManifestName == "" {
		fail("rev.manifestName is required")
	}
	if len(config.Rev.HTMLPatterns) == 0 {
		fail("rev.htmlPatterns must not be empty")
	}

	for _, codec := range config.Compression.Codecs {
		if _, err := types.ParseCodec(string(codec)); err != nil {
			errs = append(errs, err)
		}
	}
	for name, patterns := range map[string][]string{
		"rev.htmlPatterns":     config.Rev.HTMLPatterns,
		"compression.patterns": config.Compression.Patterns,
		"watch.stylePatterns":  config.Watch.StylePatterns,
		"watch.scriptPatterns": config.Watch.ScriptPatterns,
	} {
		if _, err := utils.NewPatternMatcher(patterns); err != nil {
			fail("%s: %v", name, err)
		}
	}

	if config.Watch.SettlingDelay < 0 {
		fail("watch.settlingDelay must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", types.ErrInvalidConfig, errors.Join(errs...))
}

// WriteDefault writes the default configuration to path, as JSON or YAML
// depending on the extension. An existing file is only replaced with force.
func (m *Manager) WriteDefault(path string, force bool) error {
	if utils.FileExists(path) && !force {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := types.DefaultBuildConfig()

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return utils.WriteFileAtomic(path, data, 0o644)
}

// validateOutputDir rejects output roots that would make the clean stage
// remove the project or anything outside it.
func validateOutputDir(dir string) error {
	clean := filepath.Clean(dir)
	switch {
	case dir == "":
		return fmt.Errorf("layout.outputDir is required")
	case filepath.IsAbs(dir):
		return fmt.Errorf("layout.outputDir must be relative to the project root")
	case clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("layout.outputDir must be inside the project root")
	}
	return nil
}

// setDefaults registers every key of cfg with viper so that environment
// overrides apply to keys absent from the config file.
func setDefaults(v *viper.Viper, cfg *types.BuildConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	setTree(v, "", tree)
	return nil
}

func setTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			setTree(v, key, sub)
			continue
		}
		v.SetDefault(key, value)
	}
}
