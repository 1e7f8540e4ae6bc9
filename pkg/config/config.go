package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nodepulse/nodepulse/pkg/types"
)

// Config is the full runtime configuration, resolved from defaults,
// environment variables, and the command line.
type Config struct {
	DatabaseFile     string
	GeoIPDatabase    string
	ServerHost       string
	ServerPort       int
	LogLevel         string
	LogJSON          bool
	StatsWindow      time.Duration
	StatsInterval    time.Duration
	PerfInterval     time.Duration
	BatchInterval    time.Duration
	QueueMaxSize     int
	EventsRetention  time.Duration
	HashstoreKeep    time.Duration
	PruneInterval    time.Duration
	RollupInterval   time.Duration
	WSBatchInterval  time.Duration
	WSBatchSize      int
	GeoIPCacheSize   int
	NodeAPITimeout   time.Duration
	NodeAPIPort      int
	AllowRemoteAPI   bool

	Nodes []types.Node
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_file", "nodepulse.db")
	v.SetDefault("geoip_database_path", "GeoLite2-City.mmdb")
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("stats_window_minutes", 60)
	v.SetDefault("stats_interval_seconds", 5)
	v.SetDefault("performance_interval_seconds", 2)
	v.SetDefault("db_write_batch_interval_seconds", 10)
	v.SetDefault("db_queue_max_size", 30000)
	v.SetDefault("db_events_retention_days", 2)
	v.SetDefault("db_hashstore_retention_days", 30)
	v.SetDefault("db_prune_interval_hours", 6)
	v.SetDefault("hourly_agg_interval_minutes", 10)
	v.SetDefault("websocket_batch_interval_ms", 100)
	v.SetDefault("websocket_batch_size", 500)
	v.SetDefault("max_geoip_cache_size", 5000)
	v.SetDefault("node_api_timeout", 10)
	v.SetDefault("node_api_default_port", 14002)
	v.SetDefault("allow_remote_api", false)
}

// Load resolves configuration. Node specs from the command line take the
// form NAME:SOURCE and are combined with the optional YAML manifest;
// command-line specs win on name collisions.
func Load(nodeSpecs []string, manifestPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseFile:    v.GetString("database_file"),
		GeoIPDatabase:   v.GetString("geoip_database_path"),
		ServerHost:      v.GetString("server_host"),
		ServerPort:      v.GetInt("server_port"),
		LogLevel:        v.GetString("log_level"),
		LogJSON:         v.GetBool("log_json"),
		StatsWindow:     time.Duration(v.GetInt("stats_window_minutes")) * time.Minute,
		StatsInterval:   time.Duration(v.GetInt("stats_interval_seconds")) * time.Second,
		PerfInterval:    time.Duration(v.GetInt("performance_interval_seconds")) * time.Second,
		BatchInterval:   time.Duration(v.GetInt("db_write_batch_interval_seconds")) * time.Second,
		QueueMaxSize:    v.GetInt("db_queue_max_size"),
		EventsRetention: time.Duration(v.GetInt("db_events_retention_days")) * 24 * time.Hour,
		HashstoreKeep:   time.Duration(v.GetInt("db_hashstore_retention_days")) * 24 * time.Hour,
		PruneInterval:   time.Duration(v.GetInt("db_prune_interval_hours")) * time.Hour,
		RollupInterval:  time.Duration(v.GetInt("hourly_agg_interval_minutes")) * time.Minute,
		WSBatchInterval: time.Duration(v.GetInt("websocket_batch_interval_ms")) * time.Millisecond,
		WSBatchSize:     v.GetInt("websocket_batch_size"),
		GeoIPCacheSize:  v.GetInt("max_geoip_cache_size"),
		NodeAPITimeout:  time.Duration(v.GetInt("node_api_timeout")) * time.Second,
		NodeAPIPort:     v.GetInt("node_api_default_port"),
		AllowRemoteAPI:  v.GetBool("allow_remote_api"),
	}

	byName := make(map[string]types.Node)
	var order []string

	if manifestPath != "" {
		nodes, err := loadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			if _, dup := byName[node.Name]; dup {
				return nil, fmt.Errorf("duplicate node name %q in manifest", node.Name)
			}
			byName[node.Name] = node
			order = append(order, node.Name)
		}
	}

	for _, spec := range nodeSpecs {
		node, err := ParseNodeSpec(spec)
		if err != nil {
			return nil, err
		}
		if _, exists := byName[node.Name]; !exists {
			order = append(order, node.Name)
		}
		byName[node.Name] = node
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("no nodes configured: pass --node NAME:SOURCE or a manifest")
	}
	for _, name := range order {
		cfg.Nodes = append(cfg.Nodes, byName[name])
	}
	return cfg, nil
}

// ParseNodeSpec parses NAME:SOURCE where SOURCE is a log file path or a
// host:port of a log forwarder. The node name cannot contain a colon.
func ParseNodeSpec(spec string) (types.Node, error) {
	idx := strings.Index(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return types.Node{}, fmt.Errorf("invalid node spec %q: want NAME:SOURCE", spec)
	}
	name, src := spec[:idx], spec[idx+1:]

	if host, port, err := net.SplitHostPort(src); err == nil && host != "" {
		if _, err := strconv.Atoi(port); err == nil {
			return types.Node{Name: name, Address: src}, nil
		}
	}
	return types.Node{Name: name, LogPath: src}, nil
}

type manifest struct {
	Nodes []types.Node `yaml:"nodes"`
}

func loadManifest(path string) ([]types.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for i, node := range m.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("manifest node %d has no name", i)
		}
		if strings.Contains(node.Name, ":") {
			return nil, fmt.Errorf("node name %q cannot contain a colon", node.Name)
		}
		if node.LogPath == "" && node.Address == "" {
			return nil, fmt.Errorf("node %q needs a path or address", node.Name)
		}
	}
	return m.Nodes, nil
}
