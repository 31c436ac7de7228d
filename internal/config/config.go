package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	ServerAddr     string
	StoreDriver    string
	DatabaseDSN    string
	MongoDatabase  string
	SigningKey     []byte
	AllowedOrigins []string
	// StrictRooms enables a thread membership check when joining thread rooms.
	StrictRooms bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing key")
	}
	return key, nil
}

func NewConfig(serverAddr, storeDriver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if storeDriver != StorePostgres && storeDriver != StoreMongo {
		return nil, fmt.Errorf("unsupported store driver %q", storeDriver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		StoreDriver:    storeDriver,
		DatabaseDSN:    databaseDSN,
		MongoDatabase:  "swapchat",
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// LoadEnv reads key=value pairs from the given files into the process
// environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Getenv returns the value of key or def when unset.
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func GetenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
