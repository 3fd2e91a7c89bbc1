// Package config loads the station configuration file. Durations are
// written as Go duration strings ("60s", "5m").
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// NodeEntry is one configured mesh peer. Addr accepts the "!9e7656a8" hex
// form or a plain decimal node number.
type NodeEntry struct {
	Name string `mapstructure:"name"`
	Addr string `mapstructure:"addr"`
}

type Settings struct {
	StationID         string        `mapstructure:"station_id"`
	SelectedNode      string        `mapstructure:"selected_node"`
	UpdateInterval    time.Duration `mapstructure:"update_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`

	AckMode        bool          `mapstructure:"ack_mode"`
	AckWindow      time.Duration `mapstructure:"ack_window"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	ConfirmReplies bool          `mapstructure:"confirm_replies"`
	ConfirmWait    time.Duration `mapstructure:"confirm_wait"`
	PendingMaxAge  time.Duration `mapstructure:"pending_max_age"`

	HopLimit int `mapstructure:"hop_limit"`
	Channel  int `mapstructure:"channel"`

	MessageTemplate string `mapstructure:"message_template"`
	GatewayURL      string `mapstructure:"gateway_url"`
}

type Logging struct {
	LogFile          string        `mapstructure:"log_file"`
	CSVFile          string        `mapstructure:"csv_file"`
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval"`
	RetentionDays    int           `mapstructure:"retention_days"`
}

type Stats struct {
	File         string `mapstructure:"stats_file"`
	PersistEvery int    `mapstructure:"persist_every"`
}

type Config struct {
	Nodes    []NodeEntry `mapstructure:"nodes"`
	Settings Settings    `mapstructure:"settings"`
	Logging  Logging     `mapstructure:"logging"`
	Stats    Stats       `mapstructure:"stats"`

	// Templates maps template names to message formats; Settings.
	// MessageTemplate selects one by name.
	Templates map[string]string `mapstructure:"message_templates"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.StationID == "" {
		c.Settings.StationID = "station"
	}
	if c.Settings.UpdateInterval <= 0 {
		c.Settings.UpdateInterval = 60 * time.Second
	}
	if c.Settings.ReconnectInterval <= 0 {
		c.Settings.ReconnectInterval = 10 * time.Second
	}
	if c.Settings.AckWindow <= 0 {
		c.Settings.AckWindow = 5 * time.Second
	}
	if c.Settings.RetryDelay <= 0 {
		c.Settings.RetryDelay = 60 * time.Second
	}
	if c.Settings.RetryAttempts == 0 {
		c.Settings.RetryAttempts = 1
	}
	if c.Settings.ConfirmWait <= 0 {
		c.Settings.ConfirmWait = 30 * time.Second
	}
	if c.Settings.PendingMaxAge <= 0 {
		c.Settings.PendingMaxAge = 10 * time.Minute
	}
	if c.Settings.HopLimit <= 0 {
		c.Settings.HopLimit = 3
	}
	if c.Settings.GatewayURL == "" {
		c.Settings.GatewayURL = "ws://127.0.0.1:4403/mesh"
	}
	if c.Settings.MessageTemplate == "" {
		c.Settings.MessageTemplate = "template1"
	}
	if c.Logging.AutoSaveInterval <= 0 {
		c.Logging.AutoSaveInterval = 5 * time.Minute
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Logging.CSVFile == "" {
		c.Logging.CSVFile = "meshtastic_log.csv"
	}
	if c.Stats.File == "" {
		c.Stats.File = "signal_stats.json"
	}
	if c.Stats.PersistEvery <= 0 {
		c.Stats.PersistEvery = 10
	}
}

func (c *Config) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config has no nodes entries")
	}
	if c.Settings.SelectedNode == "" {
		// Default to the first configured node.
		c.Settings.SelectedNode = c.Nodes[0].Name
	}
	found := false
	for _, n := range c.Nodes {
		if n.Name == c.Settings.SelectedNode {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("selected_node %q is not a configured node", c.Settings.SelectedNode)
	}
	return nil
}

// Template returns the configured message template, falling back to the
// given default layout when the named template is absent.
func (c *Config) Template(fallback string) string {
	if t, ok := c.Templates[c.Settings.MessageTemplate]; ok {
		return t
	}
	return fallback
}
