// Package xconfig loads the engine's TOML configuration file: the data
// directory, upstream RPC endpoint, fetch pool tuning, and the memory
// budget used to size the block-page residency hint.
package xconfig

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the on-disk shape of a logoracle node's configuration file.
type Config struct {
	DataDir string `toml:"data_dir"`
	Listen  string `toml:"listen"`

	Upstream UpstreamConfig `toml:"upstream"`

	// MemBudget is the advisory memory budget for store.Open, which only
	// uses it to size its block-page hint; "0" selects the default size.
	MemBudget datasize.ByteSize `toml:"mem_budget"`

	LogLevel string `toml:"log_level"`
	LogDev   bool   `toml:"log_dev"`
}

// UpstreamConfig configures the fetch pool's upstream JSON-RPC node and
// its pipelining parameters.
type UpstreamConfig struct {
	URL string `toml:"url"`

	// Connections is the number of in-flight eth_getLogs requests the
	// fetch pool keeps outstanding at once.
	Connections int `toml:"connections"`
	// BatchBlocks is the number of blocks requested per eth_getLogs call.
	BatchBlocks int `toml:"batch_blocks"`
	// PollIntervalMS is how long the pool sleeps after catching up to
	// chain head before polling again.
	PollIntervalMS int `toml:"poll_interval_ms"`
}

const (
	defaultConnections    = 32
	defaultBatchBlocks    = 128
	defaultPollIntervalMS = 3000
)

// Default returns a Config with the engine's documented defaults.
func Default() Config {
	return Config{
		DataDir:  "./data",
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
		Upstream: UpstreamConfig{
			Connections:    defaultConnections,
			BatchBlocks:    defaultBatchBlocks,
			PollIntervalMS: defaultPollIntervalMS,
		},
	}
}

// Load reads and decodes the TOML file at path onto a copy of Default,
// so any field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream.url must not be empty")
	}
	if c.Upstream.Connections <= 0 {
		return errors.New("upstream.connections must be positive")
	}
	if c.Upstream.BatchBlocks <= 0 {
		return errors.New("upstream.batch_blocks must be positive")
	}
	return nil
}
