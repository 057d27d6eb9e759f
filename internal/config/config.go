package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/cdc2snow/internal/crypto"
)

type SourceConfig struct {
	Type     string         `yaml:"type"`
	Postgres PostgresSource `yaml:"postgres"`
}

type PostgresSource struct {
	DSN               string   `yaml:"dsn"`
	Slot              string   `yaml:"slot"`
	Publication       string   `yaml:"publication"`
	StartLSN          string   `yaml:"start_lsn"`
	CreatePublication bool     `yaml:"create_publication"`
	CreateSlot        bool     `yaml:"create_slot"`
	Tables            []string `yaml:"tables"`
}

// CatalogConfig points at the source catalog used to resolve table and
// column names. DSN defaults to the source DSN.
type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

type SnowflakeDestination struct {
	Account  string `yaml:"account"`
	User     string `yaml:"user"`
	Role     string `yaml:"role"`
	URL      string `yaml:"url"` // default derived from account
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	// PrivateKey is the PKCS#8 PEM for key-pair auth. PrivateKeyEnc holds
	// the same value encrypted with the credential key; when set it wins.
	PrivateKey    string `yaml:"private_key"`
	PrivateKeyEnc string `yaml:"private_key_enc"`
}

type KafkaDestination struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type PostgresDestination struct {
	DSN    string `yaml:"dsn"`
	DSNEnc string `yaml:"dsn_enc"`
	Schema string `yaml:"schema"`
}

// DestinationConfig declares one delivery target. Type selects the variant;
// more than one entry makes the relay fan out to all of them.
type DestinationConfig struct {
	ID        string               `yaml:"id"`
	Type      string               `yaml:"type"`
	Snowflake SnowflakeDestination `yaml:"snowflake"`
	Kafka     KafkaDestination     `yaml:"kafka"`
	Postgres  PostgresDestination  `yaml:"postgres"`
}

type DLQConfig struct {
	Path             string `yaml:"path"`
	ReplayIntervalMs int    `yaml:"replay_interval_ms"`
	ReplayBatchLimit int    `yaml:"replay_batch_limit"`
}

type Batching struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Source       SourceConfig        `yaml:"source"`
	Catalog      CatalogConfig       `yaml:"catalog"`
	Destinations []DestinationConfig `yaml:"destinations"`
	DLQ          DLQConfig           `yaml:"dlq"`
	Batching     Batching            `yaml:"batching"`
	HTTP         HTTPConfig          `yaml:"http"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}

	// Apply defaults
	if c.Source.Postgres.Slot == "" {
		c.Source.Postgres.Slot = "cdc2snow"
	}
	if c.Source.Postgres.Publication == "" {
		c.Source.Postgres.Publication = "cdc2snow_pub"
	}
	if c.Catalog.DSN == "" {
		c.Catalog.DSN = c.Source.Postgres.DSN
	}
	if c.DLQ.Path == "" {
		c.DLQ.Path = "dlq"
	}
	if c.DLQ.ReplayIntervalMs <= 0 {
		c.DLQ.ReplayIntervalMs = 5000
	}
	if c.DLQ.ReplayBatchLimit <= 0 {
		c.DLQ.ReplayBatchLimit = 16
	}
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = 64
	}
	if c.Batching.FlushIntervalMs <= 0 {
		c.Batching.FlushIntervalMs = 500
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if err := decryptCredentials(&c); err != nil {
		return Config{}, err
	}
	if err := validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// decryptCredentials resolves *_enc fields into their plaintext
// counterparts. Encrypted values always win over plaintext ones.
func decryptCredentials(c *Config) error {
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.Snowflake.PrivateKeyEnc != "" {
			plain, err := crypto.DecryptValue(d.Snowflake.PrivateKeyEnc)
			if err != nil {
				return fmt.Errorf("destination %q: decrypt private key: %w", d.ID, err)
			}
			d.Snowflake.PrivateKey = plain
			d.Snowflake.PrivateKeyEnc = ""
		}
		if d.Postgres.DSNEnc != "" {
			plain, err := crypto.DecryptValue(d.Postgres.DSNEnc)
			if err != nil {
				return fmt.Errorf("destination %q: decrypt dsn: %w", d.ID, err)
			}
			d.Postgres.DSN = plain
			d.Postgres.DSNEnc = ""
		}
	}
	return nil
}

func validate(c Config) error {
	if len(c.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.ID == "" {
			return fmt.Errorf("destination %d: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("destination id %q is declared twice", d.ID)
		}
		seen[d.ID] = true
		switch d.Type {
		case "snowflake", "kafka", "postgres":
		default:
			return fmt.Errorf("destination %q: unknown type %q", d.ID, d.Type)
		}
	}
	return nil
}
