package config

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	// Debug enables file logging entirely; false means no log files
	Debug bool `yaml:"debug"`

	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`

	// JSONFormat emits structured JSON lines instead of text
	JSONFormat bool `yaml:"json"`

	// Categories toggles individual categories; empty means all enabled
	Categories map[string]bool `yaml:"categories"`
}
