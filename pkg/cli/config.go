package cli

// Config holds the global flag values shared by all commands.
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	LogFile     string
	CPUProfile  string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "info",
		Version:     "dev",
	}
}
