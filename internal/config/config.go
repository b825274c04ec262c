// Package config loads the tunnel's YAML configuration file and
// optionally watches it for changes, in the style of NeoScan's
// ConfigWatcher — but without the reload machinery: the tunnel has no
// safe way to re-home a TUN device or relay socket mid-flight, so a
// change is logged as "restart required" rather than applied live.
package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config is the tunnel's on-disk configuration (§10.3).
type Config struct {
	// Listen is the address the server binds its relay socket to. Only
	// meaningful for the server command. Default "127.0.0.1:5434".
	Listen string `yaml:"listen"`

	// ServerAddress is the relay endpoint the client dials. Only
	// meaningful for the client command.
	ServerAddress string `yaml:"server_address"`

	// TunName is the name assigned to the created TUN interface.
	// Default "stupid_tunnel".
	TunName string `yaml:"tun_name"`

	// IPv6Prefix is the address/prefix assigned to the client's TUN
	// interface. Default "abcd:ef00::1001/96".
	IPv6Prefix string `yaml:"ipv6_prefix"`

	// MetricsAddr, if non-empty, is the address the Prometheus
	// /metrics endpoint is served on.
	MetricsAddr string `yaml:"metrics_addr"`

	// IPExtraArgs is shlex-split and appended to every `ip` CLI
	// invocation used to configure the TUN device.
	IPExtraArgs string `yaml:"ip_extra_args"`
}

// Defaults returns the tunnel's built-in configuration.
func Defaults() Config {
	return Config{
		Listen:        "127.0.0.1:5434",
		ServerAddress: "127.0.0.1:5434",
		TunName:       "stupid_tunnel",
		IPv6Prefix:    "abcd:ef00::1001/96",
		MetricsAddr:   "",
	}
}

// Load reads and parses the YAML file at path, overlaying it onto
// Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// WatchForChanges logs a warning whenever path is modified, since the
// tunnel does not support live config reload. The returned
// *fsnotify.Watcher must be closed by the caller on shutdown.
func WatchForChanges(path string, log *logrus.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.WithField("path", path).Warn("config file changed on disk; restart the process to apply it")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher, nil
}
