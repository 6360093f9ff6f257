package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Collections names the store collections the engine works against.
type Collections struct {
	Quotes       string
	Instruments  string
	Transactions string
	Favorites    string
}

type Config struct {
	StorePath      string
	SessionDir     string
	PushGatewayURL string
	Collections    Collections

	PersistMaxRetries      int
	PersistInitialInterval time.Duration
	BroadcastBuffer        int
}

type configTmp struct {
	StorePath      string `yaml:"store_path"`
	SessionDir     string `yaml:"session_dir"`
	PushGatewayURL string `yaml:"push_gateway_url"`

	QuotesCollection       string `yaml:"quotes_collection,omitempty"`
	InstrumentsCollection  string `yaml:"instruments_collection,omitempty"`
	TransactionsCollection string `yaml:"transactions_collection,omitempty"`
	FavoritesCollection    string `yaml:"favorites_collection,omitempty"`

	PersistMaxRetries      int           `yaml:"persist_max_retries,omitempty"`
	PersistInitialInterval time.Duration `yaml:"persist_initial_interval,omitempty"`
	BroadcastBuffer        int           `yaml:"broadcast_buffer,omitempty"`
}

// Get resolves the configuration: a yaml file when --config is provided,
// flag values otherwise. Missing optional params get defaults.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	storePath := flag.String("store", "./data/finpocket.db", "path to the local document store")
	sessionDir := flag.String("sessiondir", "./wal/session", "directory of the session cache WAL")
	gatewayURL := flag.String("pushgateway", "", "push token registration endpoint, empty disables forwarding")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	return withDefaults(configTmp{
		StorePath:      *storePath,
		SessionDir:     *sessionDir,
		PushGatewayURL: *gatewayURL,
	})
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("incorrect yaml config %s: %w", path, err)
	}

	return withDefaults(tmp)
}

func withDefaults(tmp configTmp) (Config, error) {
	if tmp.StorePath == "" {
		tmp.StorePath = "./data/finpocket.db"
	}
	if tmp.SessionDir == "" {
		tmp.SessionDir = "./wal/session"
	}
	if tmp.QuotesCollection == "" {
		tmp.QuotesCollection = "quotes"
	}
	if tmp.InstrumentsCollection == "" {
		tmp.InstrumentsCollection = "instruments"
	}
	if tmp.TransactionsCollection == "" {
		tmp.TransactionsCollection = "transactions"
	}
	if tmp.FavoritesCollection == "" {
		tmp.FavoritesCollection = "favorites"
	}
	if tmp.PersistMaxRetries <= 0 {
		tmp.PersistMaxRetries = 3
	}
	if tmp.PersistInitialInterval <= 0 {
		tmp.PersistInitialInterval = 500 * time.Millisecond
	}
	if tmp.BroadcastBuffer <= 0 {
		tmp.BroadcastBuffer = 64
	}

	return Config{
		StorePath:      tmp.StorePath,
		SessionDir:     tmp.SessionDir,
		PushGatewayURL: tmp.PushGatewayURL,
		Collections: Collections{
			Quotes:       tmp.QuotesCollection,
			Instruments:  tmp.InstrumentsCollection,
			Transactions: tmp.TransactionsCollection,
			Favorites:    tmp.FavoritesCollection,
		},
		PersistMaxRetries:      tmp.PersistMaxRetries,
		PersistInitialInterval: tmp.PersistInitialInterval,
		BroadcastBuffer:        tmp.BroadcastBuffer,
	}, nil
}
