package producer

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/termshare/termshare/internal/logger"
)

// Config is the producer's on-disk configuration, ~/.termshare/producer.yaml
// by convention (spec §6 Configuration).
type Config struct {
	RelayURL     string        `yaml:"relay_url"`
	Nickname     string        `yaml:"nickname"`
	Shell        string        `yaml:"shell"`
	Cols         int           `yaml:"cols"`
	Rows         int           `yaml:"rows"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig mirrors the wingthing default-config idiom of never requiring
// a file to exist before the first run.
func DefaultConfig() *Config {
	return &Config{
		RelayURL:     "wss://relay.termshare.dev/ws/relay",
		Shell:        os.Getenv("SHELL"),
		Cols:         80,
		Rows:         24,
		PollInterval: DefaultPollInterval,
	}
}

// LoadConfig reads and parses a producer config file, falling back to
// DefaultConfig when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}

// DefaultConfigPath returns ~/.termshare/producer.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "producer.yaml"
	}
	return filepath.Join(home, ".termshare", "producer.yaml")
}

// WatchConfig watches path for writes and invokes onChange with the
// reloaded config on every successful reparse, until stop is closed.
// Malformed edits are logged and ignored — the last good config stays live.
func WatchConfig(path string, stop <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn("producer: config reload failed", "path", path, "err", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("producer: config watch error", "err", err)
			}
		}
	}()
	return nil
}
