package eventer

import (
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML-decodable shape of Config, kept separate so
// WatchdogTimeout can be expressed as a plain duration string
// ("500ms", "5s") in the file rather than a raw int64 of nanoseconds.
type fileConfig struct {
	RlimNofiles     int    `toml:"rlim_nofiles"`
	Concurrency     int    `toml:"concurrency"`
	WatchdogTimeout string `toml:"watchdog_timeout"`
	Backend         string `toml:"backend"`
}

// LoadConfigFile decodes a TOML configuration file into a Config
// (SPEC_FULL.md §8's configuration ambient stack). A missing
// watchdog_timeout leaves Config.WatchdogTimeout at zero (disabled).
func LoadConfigFile(path string) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, err
	}
	cfg := Config{
		RlimNofiles: fc.RlimNofiles,
		Concurrency: fc.Concurrency,
		Backend:     fc.Backend,
	}
	if fc.WatchdogTimeout != "" {
		d, err := time.ParseDuration(fc.WatchdogTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.WatchdogTimeout = d
	}
	return cfg, nil
}
