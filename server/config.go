package server

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ocram-io/ocramd/server/delegate"
	"github.com/ocram-io/ocramd/server/objstore"
	"github.com/ocram-io/ocramd/server/region"
	"github.com/ocram-io/ocramd/server/storage"
)

const (
	// DefaultPort is the port to bind to if one is not specified.
	DefaultPort = 9393

	// DefaultLoadTarget is the identity of the component payloads are loaded
	// into.
	DefaultLoadTarget = "d9e00de1-950b-4eb8-b7d1-6b32deec1857"

	// DefaultReadTarget is the identity of the component the region is read
	// back from.
	DefaultReadTarget = "fa152bfd-7c9e-4c33-b8ac-7f5c2b644992"
)

const (
	defaultListenAddress     = "0.0.0.0"
	defaultConnectionAddress = "localhost"
	defaultMaxSessions       = 1024
	defaultStorageBackend    = storageMemory
	defaultRedisPrefix       = "ocramd"
	defaultDelegateTransport = transportLocal
)

// Storage backends.
const (
	storageMemory = "memory"
	storageBolt   = "bolt"
	storageFile   = "file"
	storageRedis  = "redis"
)

// Delegate transports.
const (
	transportLocal = "local"
	transportNATS  = "nats"
)

// StorageConfig contains settings for the persisted object.
type StorageConfig struct {
	Backend    string
	Path       string
	ObjectID   string
	Encryption bool
	Redis      storage.RedisConfig
}

// DelegateConfig contains settings for reaching the delegated components.
type DelegateConfig struct {
	Transport     string
	Timeout       time.Duration
	SubjectPrefix string
	LoadTarget    uuid.UUID
	LoadCommand   uint32
	ReadTarget    uuid.UUID
	ReadCommand   uint32
}

// RegionConfig contains settings for the reference region components served
// by this process.
type RegionConfig struct {
	Enabled bool
	Path    string
	Size    int
	MaxRead int
}

// String returns a human-readable description of the region.
func (r RegionConfig) String() string {
	backing := "memory"
	if r.Path != "" {
		backing = r.Path
	}
	return fmt.Sprintf("[Size: %s, Backing: %s, Max read: %s]",
		humanize.IBytes(uint64(r.Size)), backing, humanize.IBytes(uint64(r.MaxRead)))
}

// Config contains all settings for an ocramd Server.
type Config struct {
	Listen           HostPort
	Host             string
	Port             int
	LogLevel         uint32
	LogSilent        bool
	TLSKey           string
	TLSCert          string
	MaxSessions      int
	MaxCipherHandles int
	LoadMaxBytes     int
	EmbeddedNATS     bool
	NATS             nats.Options
	Storage          StorageConfig
	Delegate         DelegateConfig
	Region           RegionConfig
}

// knownKeys lists every setting a config file may contain.
var knownKeys = map[string]struct{}{
	"listen":                 {},
	"host":                   {},
	"port":                   {},
	"log.level":              {},
	"log.silent":             {},
	"tls.key":                {},
	"tls.cert":               {},
	"sessions.max":           {},
	"storage.backend":        {},
	"storage.path":           {},
	"storage.object.id":      {},
	"storage.encryption":     {},
	"storage.redis.addr":     {},
	"storage.redis.password": {},
	"storage.redis.db":       {},
	"storage.redis.prefix":   {},
	"cipher.max.handles":     {},
	"load.max.bytes":         {},
	"delegate.transport":     {},
	"delegate.timeout":       {},
	"delegate.load.target":   {},
	"delegate.load.command":  {},
	"delegate.read.target":   {},
	"delegate.read.command":  {},
	"nats.servers":           {},
	"nats.user":              {},
	"nats.password":          {},
	"nats.embedded":          {},
	"nats.subject.prefix":    {},
	"region.enabled":         {},
	"region.path":            {},
	"region.size":            {},
	"region.max.read":        {},
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{
		NATS: nats.GetDefaultOptions(),
		Port: DefaultPort,
	}
	config.LogLevel = uint32(log.InfoLevel)
	config.MaxSessions = defaultMaxSessions
	config.Storage.Backend = defaultStorageBackend
	config.Storage.ObjectID = objstore.DefaultObjectID
	config.Storage.Redis.Prefix = defaultRedisPrefix
	config.Delegate.Transport = defaultDelegateTransport
	config.Delegate.SubjectPrefix = delegate.DefaultSubjectPrefix
	config.Delegate.LoadTarget = uuid.MustParse(DefaultLoadTarget)
	config.Delegate.ReadTarget = uuid.MustParse(DefaultReadTarget)
	config.Region.Enabled = true
	config.Region.Size = region.DefaultSize
	config.Region.MaxRead = region.DefaultMaxRead
	return config
}

// GetListenAddress returns the address and port to listen to.
func (c Config) GetListenAddress() HostPort {
	if len(c.Listen.Host) > 0 {
		return c.Listen
	}

	if len(c.Host) > 0 {
		return HostPort{
			Host: c.Host,
			Port: c.Port,
		}
	}

	return HostPort{
		Host: defaultListenAddress,
		Port: c.Port,
	}
}

// GetConnectionAddress returns the host if specified and listen otherwise.
func (c Config) GetConnectionAddress() HostPort {
	if len(c.Host) > 0 {
		return HostPort{
			Host: c.Host,
			Port: c.Port,
		}
	}

	if len(c.Listen.Host) > 0 {
		return c.Listen
	}

	return HostPort{
		Host: defaultConnectionAddress,
		Port: c.Port,
	}
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file. An empty path returns the
// defaults.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configFile)
	}

	if err := checkUnknownKeys(v); err != nil {
		return nil, err
	}

	if v.IsSet("listen") {
		hp, err := parseListen(v)
		if err != nil {
			return nil, err
		}
		config.Listen = *hp
	}

	if v.IsSet("port") {
		config.Port = v.GetInt("port")
	}

	if v.IsSet("host") {
		config.Host = v.GetString("host")
	}

	if v.IsSet("log.level") {
		levelInt, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = levelInt
	}

	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}

	if v.IsSet("tls.key") {
		config.TLSKey = v.GetString("tls.key")
	}

	if v.IsSet("tls.cert") {
		config.TLSCert = v.GetString("tls.cert")
	}

	if v.IsSet("sessions.max") {
		config.MaxSessions = v.GetInt("sessions.max")
	}

	if v.IsSet("cipher.max.handles") {
		config.MaxCipherHandles = v.GetInt("cipher.max.handles")
	}

	if v.IsSet("load.max.bytes") {
		config.LoadMaxBytes = v.GetInt("load.max.bytes")
	}

	if err := parseNATSConfig(config, v); err != nil {
		return nil, err
	}

	if err := parseStorageConfig(config, v); err != nil {
		return nil, err
	}

	if err := parseDelegateConfig(config, v); err != nil {
		return nil, err
	}

	if err := parseRegionConfig(config, v); err != nil {
		return nil, err
	}

	return config, nil
}

// checkUnknownKeys returns an error naming any setting not in knownKeys.
func checkUnknownKeys(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("Unknown settings: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// parseNATSConfig parses the `nats` section of a config file and populates the
// given Config.
func parseNATSConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("nats.servers") {
		config.NATS.Servers = v.GetStringSlice("nats.servers")
	}

	if v.IsSet("nats.user") {
		config.NATS.User = v.GetString("nats.user")
	}

	if v.IsSet("nats.password") {
		config.NATS.Password = v.GetString("nats.password")
	}

	if v.IsSet("nats.embedded") {
		config.EmbeddedNATS = v.GetBool("nats.embedded")
	}

	if v.IsSet("nats.subject.prefix") {
		config.Delegate.SubjectPrefix = v.GetString("nats.subject.prefix")
	}

	return nil
}

// parseStorageConfig parses the `storage` section of a config file and
// populates the given Config.
func parseStorageConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("storage.backend") {
		backend := strings.ToLower(v.GetString("storage.backend"))
		switch backend {
		case storageMemory, storageBolt, storageFile, storageRedis:
		default:
			return fmt.Errorf("Invalid storage.backend setting %q", backend)
		}
		config.Storage.Backend = backend
	}

	if v.IsSet("storage.path") {
		config.Storage.Path = v.GetString("storage.path")
	}

	if v.IsSet("storage.object.id") {
		config.Storage.ObjectID = v.GetString("storage.object.id")
	}

	if v.IsSet("storage.encryption") {
		config.Storage.Encryption = v.GetBool("storage.encryption")
	}

	if v.IsSet("storage.redis.addr") {
		config.Storage.Redis.Addr = v.GetString("storage.redis.addr")
	}

	if v.IsSet("storage.redis.password") {
		config.Storage.Redis.Password = v.GetString("storage.redis.password")
	}

	if v.IsSet("storage.redis.db") {
		config.Storage.Redis.DB = v.GetInt("storage.redis.db")
	}

	if v.IsSet("storage.redis.prefix") {
		config.Storage.Redis.Prefix = v.GetString("storage.redis.prefix")
	}

	if (config.Storage.Backend == storageBolt || config.Storage.Backend == storageFile) &&
		config.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the %s backend", config.Storage.Backend)
	}

	return nil
}

// parseDelegateConfig parses the `delegate` section of a config file and
// populates the given Config.
func parseDelegateConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("delegate.transport") {
		transport := strings.ToLower(v.GetString("delegate.transport"))
		switch transport {
		case transportLocal, transportNATS:
		default:
			return fmt.Errorf("Invalid delegate.transport setting %q", transport)
		}
		config.Delegate.Transport = transport
	}

	if v.IsSet("delegate.timeout") {
		dur, err := time.ParseDuration(v.GetString("delegate.timeout"))
		if err != nil {
			return err
		}
		config.Delegate.Timeout = dur
	}

	if v.IsSet("delegate.load.target") {
		id, err := uuid.Parse(v.GetString("delegate.load.target"))
		if err != nil {
			return errors.Wrap(err, "invalid delegate.load.target")
		}
		config.Delegate.LoadTarget = id
	}

	if v.IsSet("delegate.load.command") {
		config.Delegate.LoadCommand = v.GetUint32("delegate.load.command")
	}

	if v.IsSet("delegate.read.target") {
		id, err := uuid.Parse(v.GetString("delegate.read.target"))
		if err != nil {
			return errors.Wrap(err, "invalid delegate.read.target")
		}
		config.Delegate.ReadTarget = id
	}

	if v.IsSet("delegate.read.command") {
		config.Delegate.ReadCommand = v.GetUint32("delegate.read.command")
	}

	if config.Delegate.LoadTarget == config.Delegate.ReadTarget {
		return fmt.Errorf("delegate.load.target and delegate.read.target must differ, both are %s",
			config.Delegate.LoadTarget)
	}

	return nil
}

// parseRegionConfig parses the `region` section of a config file and
// populates the given Config.
func parseRegionConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("region.enabled") {
		config.Region.Enabled = v.GetBool("region.enabled")
	}

	if v.IsSet("region.path") {
		config.Region.Path = v.GetString("region.path")
	}

	if v.IsSet("region.size") {
		config.Region.Size = int(v.GetSizeInBytes("region.size"))
	}

	if v.IsSet("region.max.read") {
		config.Region.MaxRead = v.GetInt("region.max.read")
	}

	if config.Region.Size <= 0 {
		return fmt.Errorf("Invalid region.size setting %d", config.Region.Size)
	}

	return nil
}

// HostPort is simple struct to hold parsed listen/addr strings.
type HostPort struct {
	Host string
	Port int
}

// parseListen will parse the `listen` option containing the host and port.
func parseListen(v *viper.Viper) (*HostPort, error) {
	hp := &HostPort{}
	switch listenConf := v.Get("listen").(type) {
	// Only a port
	case int:
		hp.Port = listenConf
	case int64:
		hp.Port = int(listenConf)
	case string:
		host, port, err := net.SplitHostPort(listenConf)
		if err != nil {
			return nil, fmt.Errorf("Could not parse address string %q", listenConf)
		}
		hp.Port, err = strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("Could not parse port %q", port)
		}
		hp.Host = host
	default:
		return nil, fmt.Errorf("Could not parse listen setting %v", listenConf)
	}
	return hp, nil
}
