package compiler

import (
	"os"
	"runtime"

	"dario.cat/mergo"
	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// Capabilities are the target features code may rely on.
type Capabilities struct {
	FastMath   bool   `toml:"fast_math"`
	Assertions bool   `toml:"assertions"`
	ISA        string `toml:"isa"` // "" or "latest" for the highest supported
}

// Config controls a Compiler.
type Config struct {
	Capabilities    Capabilities `toml:"capabilities"`
	IntrinsicParams int          `toml:"intrinsic_params"`
	IndexLogic      string       `toml:"index_logic"`
	Entries         []string     `toml:"entries"`
	Jobs            int          `toml:"jobs"`
	KeepGoing       bool         `toml:"keep_going"`
	DebugInfo       bool         `toml:"debug_info"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		Capabilities: Capabilities{ISA: "latest"},
		IndexLogic:   "grid",
		Jobs:         runtime.NumCPU(),
	}
}

// LoadConfig reads a TOML file and fills unset fields from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML and fills unset fields from DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(errdefs.ErrInvalidArgument, "parse config: %v", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills the zero fields of cfg from DefaultConfig.
func (cfg *Config) ApplyDefaults() error {
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return errors.Wrap(err, "apply config defaults")
	}
	return nil
}

// Validate reports configuration errors before anything is compiled.
func (cfg *Config) Validate() error {
	if _, err := ptx.SelectISA(cfg.Capabilities.ISA); err != nil {
		return err
	}
	if cfg.Jobs < 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "negative job count %d", cfg.Jobs)
	}
	if cfg.IntrinsicParams < 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "negative intrinsic parameter count %d", cfg.IntrinsicParams)
	}
	logic, err := LogicByName(cfg.IndexLogic)
	if err != nil {
		return err
	}
	if cfg.IntrinsicParams > logic.Max() {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"%s index logic supplies %d parameters, %d requested", logic.Name(), logic.Max(), cfg.IntrinsicParams)
	}
	return nil
}
