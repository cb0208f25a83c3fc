package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

var (
	DefaultConfiguration = AgentConfig{
		Debug:               Tribool(0),
		AirpodsEnabled:      Tribool(0),
		SonyEnabled:         Tribool(0),
		RetryPeriod:         Timeout(time.Millisecond * 500),
		DirectiveTimeout:    Timeout(time.Second * 30),
		LogFileMaxMegabytes: 1,
	}

	// Can be overwritten via cli arguments.
	ConfigFilePath = filepath.Join(ConfigHome(), "budslink", "config.json")
	CLIDebug       = false

	minRetryPeriod = time.Millisecond * 50
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

// GetOr returns the value if set, or def otherwise.
func (b Tribool) GetOr(def bool) bool {
	if !b.IsSet() {
		return def
	}
	return b.Get()
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

// AgentConfig is the read-only user configuration of the agent.
type AgentConfig struct {
	Debug Tribool `json:"debug,omitempty"`

	// vendor families, enabled unless explicitly set to false
	AirpodsEnabled Tribool `json:"airpods_enabled,omitempty"`
	SonyEnabled    Tribool `json:"sony_enabled,omitempty"`

	// period of the channel acquisition retry ticker
	RetryPeriod Timeout `json:"retry_period,omitempty"`
	// upper bound for a single connect/disconnect profile call
	DirectiveTimeout Timeout `json:"directive_timeout,omitempty"`

	LogFileMaxMegabytes int `json:"log_file_max_megabytes,omitempty"`
}

func DefaultConfig() AgentConfig {
	return DefaultConfiguration
}

// LoadConfig reads the (jsonc) config file at path, stacked on top of the defaults.
// A missing file is not an error.
func LoadConfig(path string) (AgentConfig, error) {
	cfg := DefaultConfig()
	//nolint:gosec
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ApplyCLIArgs(cfg), nil
		}
		return cfg, errw.Wrapf(err, "reading config file %s", path)
	}

	var fileCfg AgentConfig
	if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &fileCfg); err != nil {
		return cfg, errw.Wrapf(err, "parsing config file %s", path)
	}

	// invalid values are replaced by defaults, so cfg is usable even with an error
	cfg, err = StackConfigs(cfg, fileCfg)
	return ApplyCLIArgs(cfg), err
}

// StackConfigs overlays any set values of nextCfg onto startCfg and validates the result.
func StackConfigs(startCfg, nextCfg AgentConfig) (AgentConfig, error) {
	out := startCfg
	if nextCfg.Debug.IsSet() {
		out.Debug = nextCfg.Debug
	}
	if nextCfg.AirpodsEnabled.IsSet() {
		out.AirpodsEnabled = nextCfg.AirpodsEnabled
	}
	if nextCfg.SonyEnabled.IsSet() {
		out.SonyEnabled = nextCfg.SonyEnabled
	}
	if nextCfg.RetryPeriod != 0 {
		out.RetryPeriod = nextCfg.RetryPeriod
	}
	if nextCfg.DirectiveTimeout != 0 {
		out.DirectiveTimeout = nextCfg.DirectiveTimeout
	}
	if nextCfg.LogFileMaxMegabytes != 0 {
		out.LogFileMaxMegabytes = nextCfg.LogFileMaxMegabytes
	}
	return validateConfig(out)
}

func ApplyCLIArgs(cfg AgentConfig) AgentConfig {
	newCfg := cfg
	if CLIDebug {
		newCfg.Debug = Tribool(1)
	}
	return newCfg
}

func validateConfig(cfg AgentConfig) (AgentConfig, error) {
	var errOut error
	if time.Duration(cfg.RetryPeriod) < minRetryPeriod {
		errOut = errors.Join(errOut, errw.Errorf("retry_period %s is below the minimum of %s",
			time.Duration(cfg.RetryPeriod), minRetryPeriod))
		cfg.RetryPeriod = DefaultConfiguration.RetryPeriod
	}
	if cfg.DirectiveTimeout <= 0 {
		errOut = errors.Join(errOut, errw.New("directive_timeout must be positive"))
		cfg.DirectiveTimeout = DefaultConfiguration.DirectiveTimeout
	}
	if cfg.LogFileMaxMegabytes < 0 {
		errOut = errors.Join(errOut, errw.New("log_file_max_megabytes cannot be negative"))
		cfg.LogFileMaxMegabytes = DefaultConfiguration.LogFileMaxMegabytes
	}
	return cfg, errOut
}

// Timeout allows parsing golang-style durations (1h20m30s) OR seconds-as-float from/to json.
type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Second))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
