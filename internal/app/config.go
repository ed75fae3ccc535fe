package app

import (
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jun/gophnote/internal/model"
)

// Config is the gophnote configuration file.
type Config struct {
	File string `yaml:"-"`

	// DataDir holds notes, settings and tokens. Empty uses the user config dir.
	DataDir   string          `yaml:"data-dir"`
	Log       LogConfig       `yaml:"log"`
	Sync      SyncConfig      `yaml:"sync"`
	Transport TransportConfig `yaml:"transport"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	AWS       AWSConfig       `yaml:"aws"`
	Providers ProvidersConfig `yaml:"providers"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is parsed by zapcore.ParseLevel.
	Level string `yaml:"level" default:"info"`
	// File receives logs in addition to stderr when set.
	File string `yaml:"file"`
	// Production switches to JSON output.
	Production bool `yaml:"production" default:"false"`
}

// SyncConfig tunes the sync engine and the watch command.
type SyncConfig struct {
	// Schedule is the cron spec of the periodic full sync in watch mode.
	Schedule string `yaml:"schedule" default:"@every 15m"`
	// Debounce is how long a note must stay unchanged before auto-commit.
	Debounce    time.Duration `yaml:"debounce" default:"2s"`
	MetricsAddr string        `yaml:"metrics-addr" default:"127.0.0.1:9464"`
	// Strategy is the default initial sync strategy.
	Strategy string `yaml:"strategy" default:"smart_merge"`
}

// TransportConfig configures the retrying HTTP transport.
type TransportConfig struct {
	Timeout       time.Duration `yaml:"timeout" default:"30s"`
	RatePerSecond float64       `yaml:"rate-per-second" default:"8"`
	Burst         int64         `yaml:"burst" default:"8"`
}

// SecretsConfig selects where client secrets are resolved.
type SecretsConfig struct {
	// Source is env, ssm or chain (ssm, then env).
	Source string `yaml:"source" default:"env"`
}

// AWSConfig enables the AWS backed stores.
type AWSConfig struct {
	Region string `yaml:"region"`
	// TokenTable stores tokens in DynamoDB instead of local files.
	TokenTable string `yaml:"token-table"`
	// KMSKeyID seals tokens with KMS instead of the machine-bound key.
	KMSKeyID string `yaml:"kms-key-id"`
}

// Enabled reports whether any AWS service is configured.
func (c AWSConfig) Enabled() bool {
	return c.TokenTable != "" || c.KMSKeyID != ""
}

// OAuthClient is the registered OAuth application of one provider.
type OAuthClient struct {
	ClientID string `yaml:"client-id"`
	// ClientSecret is the name of the secret, resolved through the
	// configured secrets source.
	ClientSecret string `yaml:"client-secret"`
	RedirectURL  string `yaml:"redirect-url" default:"http://127.0.0.1:53682/callback"`
}

// ProvidersConfig holds one OAuth client per provider.
type ProvidersConfig struct {
	OneDrive    OAuthClient `yaml:"onedrive"`
	Baidu       OAuthClient `yaml:"baidu"`
	GoogleDrive OAuthClient `yaml:"gdrive"`
}

// For returns the client of a provider kind.
func (p ProvidersConfig) For(kind model.ProviderKind) OAuthClient {
	switch kind {
	case model.ProviderOneDrive:
		return p.OneDrive
	case model.ProviderBaidu:
		return p.Baidu
	case model.ProviderGoogleDrive:
		return p.GoogleDrive
	}
	return OAuthClient{}
}

// LoadConfig reads the YAML file at f. A missing file yields the defaults.
func LoadConfig(f string) (*Config, error) {
	c := new(Config)
	if err := defaults.Set(c); err != nil {
		return nil, errors.Wrap(err, "set default config failed")
	}
	if f != "" {
		realpath, err := filepath.Abs(f)
		if err != nil {
			return nil, errors.Wrap(err, "resolve config path failed")
		}
		c.File = realpath
		data, err := os.ReadFile(realpath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "read config file failed")
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, errors.Wrap(err, "parse config file failed")
			}
			// Fields present but empty in the file fall back to defaults.
			if err := defaults.Set(c); err != nil {
				return nil, errors.Wrap(err, "re-set default config failed")
			}
		}
	}
	if c.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.DataDir = filepath.Join(dir, "gophnote")
		} else {
			c.DataDir = ".gophnote"
		}
	}
	return c, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	if c.File == "" {
		return errors.New("config has no file")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config failed")
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
		return errors.Wrap(err, "create config dir failed")
	}
	return errors.Wrap(os.WriteFile(c.File, data, 0o600), "write config file failed")
}

// NotesDir is where note files live.
func (c *Config) NotesDir() string { return filepath.Join(c.DataDir, "notes") }

// TokensDir is where sealed token files live.
func (c *Config) TokensDir() string { return filepath.Join(c.DataDir, "tokens") }

// SettingsFile is the account settings store.
func (c *Config) SettingsFile() string { return filepath.Join(c.DataDir, "settings.json") }

// TempDir holds transfer staging files.
func (c *Config) TempDir() string { return filepath.Join(c.DataDir, "tmp") }
