package hyperobjects

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/i5heu/hyperobjects/pkg/codec"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/feed/badgerfeed"
	"github.com/i5heu/hyperobjects/pkg/feed/boltfeed"
	"github.com/i5heu/hyperobjects/pkg/merge"
	"github.com/i5heu/hyperobjects/pkg/transaction"
	"github.com/i5heu/hyperobjects/pkg/transform"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config configures the database instance.
type Config struct {
	// ValueEncoding names the codec objects are stored with. Defaults to
	// "binary".
	ValueEncoding string
	// OnWrite and OnRead transform every data block right before it is
	// written and right after it is read.
	OnWrite transform.Func
	OnRead  transform.Func
	// MergeHandler builds the handler used by every transaction. Defaults to
	// merge.NewSimple, which fails on any collision.
	MergeHandler merge.Factory
	// Logger is an optional logger. If nil, a stderr logger at LogLevel is used.
	Logger   *logrus.Logger
	LogLevel string
	// DiffWorkers bounds the parallel reads of the commit-time diff.
	DiffWorkers int
}

func (c *Config) checkConfig() error {
	if c.Logger == nil {
		l, err := defaultLogger(c.LogLevel)
		if err != nil {
			return err
		}
		c.Logger = l
	}
	if c.ValueEncoding == "" {
		c.ValueEncoding = "binary"
	}
	if _, err := codec.Lookup(c.ValueEncoding); err != nil {
		return err
	}
	if c.MergeHandler == nil {
		c.MergeHandler = merge.NewSimple
	}
	if c.DiffWorkers <= 0 {
		c.DiffWorkers = transaction.DefaultDiffWorkers
	}
	return nil
}

// defaultLogger returns a logger that writes text logs to stderr, at Info
// level unless level names another one.
func defaultLogger(level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if level == "" {
		l.SetLevel(logrus.InfoLevel)
		return l, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	l.SetLevel(lvl)
	return l, nil
}

// FeedConfig selects and configures the feed backend.
type FeedConfig struct {
	Backend       string `yaml:"backend"` // memory, badger or bolt
	Path          string `yaml:"path"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	SyncWrites    bool   `yaml:"syncWrites"`
}

// FileConfig is the YAML representation of a database configuration.
type FileConfig struct {
	ValueEncoding    string     `yaml:"valueEncoding"`
	LogLevel         string     `yaml:"logLevel"`
	DiffWorkers      int        `yaml:"diffWorkers"`
	Transforms       []string   `yaml:"transforms"` // applied in order on write: xz, zstd, encrypt
	EncryptionKeyHex string     `yaml:"encryptionKeyHex"`
	Feed             FeedConfig `yaml:"feed"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if fc.Feed.Backend == "" {
		fc.Feed.Backend = "memory"
	}
	return &fc, nil
}

// Config builds the runtime configuration, including the transform stack.
func (fc *FileConfig) Config() (Config, error) {
	conf := Config{
		ValueEncoding: fc.ValueEncoding,
		LogLevel:      fc.LogLevel,
		DiffWorkers:   fc.DiffWorkers,
	}

	var pairs []transform.Pair
	for _, name := range fc.Transforms {
		switch strings.ToLower(name) {
		case "xz":
			pairs = append(pairs, transform.XZ())
		case "zstd":
			p, err := transform.Zstd()
			if err != nil {
				return Config{}, err
			}
			pairs = append(pairs, p)
		case "encrypt":
			key, err := hex.DecodeString(fc.EncryptionKeyHex)
			if err != nil {
				return Config{}, fmt.Errorf("invalid encryptionKeyHex: %w", err)
			}
			p, err := transform.Encrypt(key)
			if err != nil {
				return Config{}, err
			}
			pairs = append(pairs, p)
		default:
			return Config{}, fmt.Errorf("unknown transform %q", name)
		}
	}
	if len(pairs) > 0 {
		stack := transform.Stack(pairs...)
		conf.OnWrite, conf.OnRead = stack.OnWrite, stack.OnRead
	}

	if err := conf.checkConfig(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// OpenFeed constructs the configured feed backend.
func OpenFeed(fc FeedConfig, log *logrus.Logger) (feed.Closer, error) {
	switch strings.ToLower(fc.Backend) {
	case "", "memory":
		return feed.NewMemory(), nil
	case "badger":
		f, err := badgerfeed.New(badgerfeed.Config{
			Path:          fc.Path,
			MinimumFreeGB: fc.MinimumFreeGB,
			SyncWrites:    fc.SyncWrites,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	case "bolt":
		f, err := boltfeed.New(boltfeed.Config{
			Path:          fc.Path,
			MinimumFreeGB: fc.MinimumFreeGB,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown feed backend %q", fc.Backend)
}
