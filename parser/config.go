package parser

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// SniffingBufferSize is how many bytes are examined for a BOM or a meta
	// charset before the decoder is chosen by other means.
	SniffingBufferSize = 1024
	// ReadBufferSize is the capacity, in UTF-16 code units, of every buffer
	// in the chain.
	ReadBufferSize = 1024
)

// defaultReparseExcluded are encodings a meta declaration may not switch to,
// since restarting byte-wise in them is unsafe.
var defaultReparseExcluded = []string{
	"utf-16",
	"utf-16be",
	"utf-16le",
	"utf-32",
	"utf-32be",
	"utf-32le",
	"utf-7",
	"jis_x0212-1990",
	"x-jis0208",
	"x-imap4-modified-utf7",
	"x-user-defined",
}

// Config configures a StreamParser and its executor.
type Config struct {
	FlushTimerInitialDelay    time.Duration `yaml:"flush_timer_initial_delay"`
	FlushTimerSubsequentDelay time.Duration `yaml:"flush_timer_subsequent_delay"`
	CharsetDetectorEnabled    bool          `yaml:"charset_detector_enabled"`
	ReparseExcludedEncodings  []string      `yaml:"reparse_excluded_encodings"`
	MaxBuffers                int           `yaml:"max_buffers"`
	ScriptingEnabled          bool          `yaml:"scripting_enabled"`
}

// RegisterFlags registers the config flags and sets their defaults.
func (cfg *Config) RegisterFlags(f *pflag.FlagSet) {
	f.DurationVar(&cfg.FlushTimerInitialDelay, "flush-timer.initial-delay", 120*time.Millisecond, "Delay before the first discretionary flush of tree operations.")
	f.DurationVar(&cfg.FlushTimerSubsequentDelay, "flush-timer.subsequent-delay", 120*time.Millisecond, "Delay between later discretionary flushes of tree operations.")
	f.BoolVar(&cfg.CharsetDetectorEnabled, "charset.detector-enabled", false, "Run the charset detector when sniffing finds neither a BOM nor a meta charset.")
	f.StringSliceVar(&cfg.ReparseExcludedEncodings, "charset.reparse-excluded", defaultReparseExcluded, "Encodings a meta charset declaration may never trigger a reparse into.")
	f.IntVar(&cfg.MaxBuffers, "buffers.max", 0, "Maximum number of decoded buffers retained by one parser. 0 means unlimited.")
	f.BoolVar(&cfg.ScriptingEnabled, "scripting-enabled", true, "Treat script end tags as blocking and speculate past them.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.FlushTimerInitialDelay <= 0 {
		return errors.New("flush timer initial delay must be positive")
	}
	if cfg.FlushTimerSubsequentDelay <= 0 {
		return errors.New("flush timer subsequent delay must be positive")
	}
	if cfg.MaxBuffers < 0 {
		return errors.Errorf("invalid max buffers %d", cfg.MaxBuffers)
	}
	for _, name := range cfg.ReparseExcludedEncodings {
		if strings.TrimSpace(name) == "" {
			return errors.New("empty entry in reparse excluded encodings")
		}
	}
	return nil
}

func (cfg *Config) reparseExcluded(charset string) bool {
	for _, name := range cfg.ReparseExcludedEncodings {
		if strings.EqualFold(strings.TrimSpace(name), charset) {
			return true
		}
	}
	return false
}

// DefaultConfig returns a Config holding the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	fs := pflag.NewFlagSet("defaults", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	return cfg
}

// LoadConfig reads a YAML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, errors.Wrap(cfg.Validate(), "invalid config")
}
