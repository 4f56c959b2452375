package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Host string `envconfig:"HOST" default:""`
	Port int    `envconfig:"PORT" default:"8000"`
	Env  string `envconfig:"ENV" default:"development"`

	// Access gate. Empty AccessPassword leaves the service open.
	AccessPassword string        `envconfig:"ACCESS_PASSWORD" default:""`
	TokenSecret    string        `envconfig:"TOKEN_SECRET" default:""`
	TokenTTL       time.Duration `envconfig:"TOKEN_TTL" default:"168h"`

	// Credential vault. CredentialsFile defaults to DataPath/credentials.json.
	DataPath        string `envconfig:"DATA_PATH" default:"./data"`
	CredentialsFile string `envconfig:"CREDENTIALS_FILE" default:""`
	VaultKey        string `envconfig:"VAULT_KEY" default:""`

	LogPath    string `envconfig:"LOG_PATH" default:""`
	ConfigFile string `envconfig:"CONFIG_FILE" default:""`

	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("webssh", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := applyFile(Cfg.ConfigFile, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", Cfg.ConfigFile, err)
		}
	}
}

// fileSettings mirrors Settings with pointer fields so the YAML overlay only
// touches keys the file actually sets.
type fileSettings struct {
	Host               *string `yaml:"host"`
	Port               *int    `yaml:"port"`
	Env                *string `yaml:"env"`
	AccessPassword     *string `yaml:"access_password"`
	TokenSecret        *string `yaml:"token_secret"`
	TokenTTL           *string `yaml:"token_ttl"`
	DataPath           *string `yaml:"data_path"`
	CredentialsFile    *string `yaml:"credentials_file"`
	VaultKey           *string `yaml:"vault_key"`
	LogPath            *string `yaml:"log_path"`
	SessionIdleTimeout *string `yaml:"session_idle_timeout"`
}

// applyFile overlays a YAML config file on top of the env-derived settings.
// Keys present in the file win over environment values.
func applyFile(path string, cfg *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return err
	}
	if fs.Host != nil {
		cfg.Host = *fs.Host
	}
	if fs.Port != nil {
		cfg.Port = *fs.Port
	}
	if fs.Env != nil {
		cfg.Env = *fs.Env
	}
	if fs.AccessPassword != nil {
		cfg.AccessPassword = *fs.AccessPassword
	}
	if fs.TokenSecret != nil {
		cfg.TokenSecret = *fs.TokenSecret
	}
	if fs.TokenTTL != nil {
		d, err := time.ParseDuration(*fs.TokenTTL)
		if err != nil {
			return fmt.Errorf("token_ttl: %w", err)
		}
		cfg.TokenTTL = d
	}
	if fs.DataPath != nil {
		cfg.DataPath = *fs.DataPath
	}
	if fs.CredentialsFile != nil {
		cfg.CredentialsFile = *fs.CredentialsFile
	}
	if fs.VaultKey != nil {
		cfg.VaultKey = *fs.VaultKey
	}
	if fs.LogPath != nil {
		cfg.LogPath = *fs.LogPath
	}
	if fs.SessionIdleTimeout != nil {
		d, err := time.ParseDuration(*fs.SessionIdleTimeout)
		if err != nil {
			return fmt.Errorf("session_idle_timeout: %w", err)
		}
		cfg.SessionIdleTimeout = d
	}
	return nil
}
