package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"confidential-choice/models"
	"confidential-choice/storage"
)

type Config struct {
	Port         int    `yaml:"port"`
	StorageDir   string `yaml:"storage_dir"`
	Backend      string `yaml:"backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	Difficulty   int    `yaml:"difficulty"`
	SnapshotKeep int    `yaml:"snapshot_keep"`

	ChainID      uint64 `yaml:"chain_id"`
	RegistryName string `yaml:"registry_name"`
	PaillierBits int    `yaml:"paillier_bits"`
	LogLevel     string `yaml:"log_level"`

	// Client side
	RPCEndpoint    string        `yaml:"rpc_endpoint"`
	PermitDuration time.Duration `yaml:"permit_duration"`
	MinChoice      uint64        `yaml:"min_choice"`
	MaxChoice      uint64        `yaml:"max_choice"`
	Workers        int           `yaml:"workers"`
}

func Default() *Config {
	return &Config{
		Port:           8080,
		StorageDir:     "data",
		Backend:        storage.KindBadger,
		Difficulty:     2,
		SnapshotKeep:   5,
		ChainID:        31337,
		RegistryName:   "confidential-choice",
		PaillierBits:   2048,
		LogLevel:       "info",
		RPCEndpoint:    "http://localhost:8080/rpc",
		PermitDuration: 365 * 24 * time.Hour,
		MinChoice:      1,
		Workers:        4,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse loads the file named by -config, if any, then applies the flags
// that were set explicitly. It returns the remaining arguments.
func Parse(name string, args []string) (*Config, []string, error) {
	def := Default()
	flags := *def

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	fs.IntVar(&flags.Port, "port", def.Port, "Server port")
	fs.StringVar(&flags.StorageDir, "storage", def.StorageDir, "Directory for registry storage")
	fs.StringVar(&flags.Backend, "backend", def.Backend, "Storage backend (memory, json, badger, postgres)")
	fs.StringVar(&flags.PostgresDSN, "postgres-dsn", def.PostgresDSN, "Postgres connection string")
	fs.IntVar(&flags.Difficulty, "difficulty", def.Difficulty, "Ledger mining difficulty in leading zero bytes (0-3)")
	fs.IntVar(&flags.SnapshotKeep, "snapshots", def.SnapshotKeep, "Ledger snapshots to keep")
	fs.Uint64Var(&flags.ChainID, "chain-id", def.ChainID, "Chain id bound into handles and signatures")
	fs.StringVar(&flags.RegistryName, "registry", def.RegistryName, "Registry name the address is derived from")
	fs.IntVar(&flags.PaillierBits, "paillier-bits", def.PaillierBits, "Paillier key size")
	fs.StringVar(&flags.LogLevel, "log-level", def.LogLevel, "Log level")
	fs.StringVar(&flags.RPCEndpoint, "rpc", def.RPCEndpoint, "Registry RPC endpoint")
	fs.DurationVar(&flags.PermitDuration, "permit-duration", def.PermitDuration, "Decryption permit validity")
	fs.Uint64Var(&flags.MinChoice, "min-choice", def.MinChoice, "Smallest accepted choice")
	fs.Uint64Var(&flags.MaxChoice, "max-choice", def.MaxChoice, "Largest accepted choice, 0 for the domain maximum")
	fs.IntVar(&flags.Workers, "workers", def.Workers, "Queue workers")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := def
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = flags.Port
		case "storage":
			cfg.StorageDir = flags.StorageDir
		case "backend":
			cfg.Backend = flags.Backend
		case "postgres-dsn":
			cfg.PostgresDSN = flags.PostgresDSN
		case "difficulty":
			cfg.Difficulty = flags.Difficulty
		case "snapshots":
			cfg.SnapshotKeep = flags.SnapshotKeep
		case "chain-id":
			cfg.ChainID = flags.ChainID
		case "registry":
			cfg.RegistryName = flags.RegistryName
		case "paillier-bits":
			cfg.PaillierBits = flags.PaillierBits
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "rpc":
			cfg.RPCEndpoint = flags.RPCEndpoint
		case "permit-duration":
			cfg.PermitDuration = flags.PermitDuration
		case "min-choice":
			cfg.MinChoice = flags.MinChoice
		case "max-choice":
			cfg.MaxChoice = flags.MaxChoice
		case "workers":
			cfg.Workers = flags.Workers
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Difficulty < 0 || c.Difficulty > models.MaxDifficulty {
		return fmt.Errorf("difficulty must be between 0 and %d", models.MaxDifficulty)
	}
	switch c.Backend {
	case storage.KindMemory, storage.KindJSON, storage.KindBadger:
	case storage.KindPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres backend requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	if c.RegistryName == "" {
		return errors.New("registry name is required")
	}
	if c.PaillierBits < 256 {
		return fmt.Errorf("paillier key size %d is too small", c.PaillierBits)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxChoice != 0 && c.MinChoice > c.MaxChoice {
		return fmt.Errorf("min choice %d exceeds max choice %d", c.MinChoice, c.MaxChoice)
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	return nil
}

// RegistryAddress derives the registry's address from its name.
func (c *Config) RegistryAddress() common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(c.RegistryName)))
}

// NewLogger returns a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
