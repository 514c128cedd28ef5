package calicodb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/calicodb/calicodb/internal/logger"
)

// Options configures DB.Open (spec §4.7 "DB::open").
type Options struct {
	// PageSize is fixed at creation time; ignored when opening an
	// existing database. Must be a power of two in [512, 65536].
	PageSize int

	// CacheSize is the buffer pool's frame capacity, minimum 16.
	CacheSize int

	// CreateIfMissing permits DB.Open to initialise a fresh database
	// file when none exists.
	CreateIfMissing bool

	// ErrorIfExists makes DB.Open fail if the database file already
	// exists.
	ErrorIfExists bool

	// ReadOnly opens the database without ever starting a writer tx.
	ReadOnly bool

	// LogLevel controls the internal zerolog logger ("debug", "info",
	// "warn", "error", "off"). Defaults to "info".
	LogLevel string

	// Logger overrides the default stderr logger entirely.
	Logger *logger.Logger
}

// DefaultOptions returns the Options a plain DB.Open(path, DefaultOptions())
// would use.
func DefaultOptions() Options {
	return Options{
		PageSize:        4096,
		CacheSize:       64,
		CreateIfMissing: true,
		LogLevel:        "info",
	}
}

// optionsFile is the on-disk shape for OptionsFromFile, grounded in
// the pack's yaml.v3 usage for config loading.
type optionsFile struct {
	PageSize        int    `yaml:"page_size"`
	CacheSize       int    `yaml:"cache_size"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
	ErrorIfExists   bool   `yaml:"error_if_exists"`
	ReadOnly        bool   `yaml:"read_only"`
	LogLevel        string `yaml:"log_level"`
}

// OptionsFromFile loads Options from a YAML file, layered over
// DefaultOptions() for any field the file omits.
func OptionsFromFile(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("calicodb: read options file: %w", err)
	}
	f := optionsFile{
		CreateIfMissing: opts.CreateIfMissing,
		ErrorIfExists:   opts.ErrorIfExists,
		ReadOnly:        opts.ReadOnly,
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return opts, fmt.Errorf("calicodb: parse options file: %w", err)
	}
	if f.PageSize != 0 {
		opts.PageSize = f.PageSize
	}
	if f.CacheSize != 0 {
		opts.CacheSize = f.CacheSize
	}
	opts.CreateIfMissing = f.CreateIfMissing
	opts.ErrorIfExists = f.ErrorIfExists
	opts.ReadOnly = f.ReadOnly
	if f.LogLevel != "" {
		opts.LogLevel = f.LogLevel
	}
	return opts, nil
}
