// Package app wires configuration, storage, providers and the sync engine
// into the objects the command line drives.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/adapter/baidu"
	"github.com/jun/gophnote/internal/adapter/googledrive"
	"github.com/jun/gophnote/internal/adapter/memory"
	"github.com/jun/gophnote/internal/adapter/onedrive"
	"github.com/jun/gophnote/internal/auth"
	"github.com/jun/gophnote/internal/crypto"
	"github.com/jun/gophnote/internal/metrics"
	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/notestore"
	"github.com/jun/gophnote/internal/secret"
	"github.com/jun/gophnote/internal/settings"
	notesync "github.com/jun/gophnote/internal/sync"
	"github.com/jun/gophnote/internal/transport"
)

const appID = "gophnote"

// Providers picks the StorageProvider of an account's provider kind.
type Providers map[model.ProviderKind]adapter.StorageProvider

// GetClient implements adapter.StorageProvider.
func (p Providers) GetClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	sp, ok := p[account.Provider]
	if !ok {
		return nil, adapter.NewError(adapter.ErrValidation, "get client", fmt.Errorf("unknown provider %q", account.Provider))
	}
	return sp.GetClient(ctx, account)
}

type providerFunc func(ctx context.Context, account model.Account) (adapter.ProviderClient, error)

func (f providerFunc) GetClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	return f(ctx, account)
}

// StaticNetwork is a NetworkMonitor with a fixed answer.
type StaticNetwork bool

// Metered implements sync.NetworkMonitor.
func (n StaticNetwork) Metered(context.Context) (bool, error) { return bool(n), nil }

// App holds the process-wide dependencies.
type App struct {
	Config   *Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Settings *settings.Store
	Notes    *notestore.FileStore

	// Flow is the interactive sign-in surface used by Authenticate.
	Flow auth.AuthorizationFlow

	providers Providers
	tokens    auth.TokenStore
	secrets   secret.Resolver
	http      *http.Client

	mu       sync.Mutex
	managers map[string]*auth.Manager
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{cfg.DataDir, cfg.NotesDir(), cfg.TokensDir(), cfg.TempDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	notes, err := notestore.NewFileStore(cfg.NotesDir(), logger.Named("notes"))
	if err != nil {
		return nil, err
	}
	store, err := settings.Open(cfg.SettingsFile())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(reg),
		Registry: reg,
		Settings: store,
		Notes:    notes,
		Flow:     &auth.LoopbackFlow{Out: os.Stderr, Logger: logger.Named("oauth")},
		http:     &http.Client{},
		managers: map[string]*auth.Manager{},
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	switch cfg.Secrets.Source {
	case "env", "":
		a.secrets = secret.NewEnvResolver()
	case "ssm", "chain":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ssmResolver := secret.NewSSMResolver(ssm.NewFromConfig(c))
		if cfg.Secrets.Source == "ssm" {
			a.secrets = ssmResolver
		} else {
			a.secrets = secret.ChainResolver{ssmResolver, secret.NewEnvResolver()}
		}
	default:
		return nil, fmt.Errorf("unknown secrets source %q", cfg.Secrets.Source)
	}

	var enc crypto.Encryptor
	if cfg.AWS.KMSKeyID != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		enc = crypto.NewKMSService(kms.NewFromConfig(c), cfg.AWS.KMSKeyID)
	} else {
		local, err := crypto.NewMachineEncryptor(appID)
		if err != nil {
			logger.Warn("machine id unavailable, using a key file", zap.Error(err))
			if local, err = keyFileEncryptor(filepath.Join(cfg.TokensDir(), ".key")); err != nil {
				return nil, err
			}
		}
		enc = local
	}
	if cfg.AWS.TokenTable != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		a.tokens = auth.NewDynamoTokenStore(dynamodb.NewFromConfig(c), cfg.AWS.TokenTable, enc)
		logger.Info("tokens stored in dynamodb", zap.String("table", cfg.AWS.TokenTable))
	} else {
		a.tokens = auth.NewFileTokenStore(cfg.TokensDir(), enc)
	}

	a.providers = Providers{
		model.ProviderOneDrive: providerFunc(a.oneDriveClient),
		model.ProviderBaidu:    providerFunc(a.baiduClient),
		model.ProviderGoogleDrive: googledrive.NewProvider(func(ctx context.Context, account model.Account) (oauth2.TokenSource, error) {
			return a.Manager(ctx, account)
		}, logger.Named("gdrive")),
		model.ProviderMemory: memory.NewProvider(memory.DemoLimits),
	}
	return a, nil
}

// keyFileEncryptor seals tokens with a random secret kept at path, created
// on first use.
func keyFileEncryptor(path string) (*crypto.LocalEncryptor, error) {
	secret, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		if err := os.WriteFile(path, secret, 0o600); err != nil {
			return nil, fmt.Errorf("write token key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read token key: %w", err)
	}
	return crypto.NewLocalEncryptor(secret)
}

// Manager returns the token manager of an account, creating and loading it
// on first use.
func (a *App) Manager(ctx context.Context, account model.Account) (*auth.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.managers[account.ID]; ok {
		return m, nil
	}

	po, err := auth.ProviderOAuthFor(account.Provider)
	if err != nil {
		return nil, err
	}
	client := a.Config.Providers.For(account.Provider)
	if client.ClientID == "" {
		return nil, adapter.NewError(adapter.ErrValidation, "oauth config",
			fmt.Errorf("providers.%s.client-id is not set", account.Provider))
	}
	var clientSecret string
	if client.ClientSecret != "" {
		if clientSecret, err = a.secrets.GetSecret(ctx, client.ClientSecret); err != nil {
			return nil, fmt.Errorf("resolve client secret: %w", err)
		}
	}

	view := a.Settings.ForAccount(account.ID)
	m := auth.NewManager(auth.ManagerOptions{
		AccountID: account.ID,
		OAuth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: clientSecret,
			RedirectURL:  client.RedirectURL,
			Scopes:       po.Scopes,
			Endpoint:     po.Endpoint,
		},
		ForceParams: po.ForceParams,
		Store:       a.tokens,
		Flow:        a.Flow,
		Logger:      a.Logger.Named("auth"),
		OnDisconnect: func(ctx context.Context) {
			if err := view.SetConnected(ctx, false, nil); err != nil {
				a.Logger.Warn("record disconnect", zap.String("account", account.ID), zap.Error(err))
			}
		},
	})
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	a.managers[account.ID] = m
	return m, nil
}

func (a *App) transport(m *auth.Manager, base transport.Options) *transport.Client {
	base.HTTPClient = a.http
	base.Tokens = m
	base.Timeout = a.Config.Transport.Timeout
	base.RatePerSecond = a.Config.Transport.RatePerSecond
	base.Burst = a.Config.Transport.Burst
	base.Logger = a.Logger.Named("http")
	base.Metrics = a.Metrics
	return transport.New(base)
}

func (a *App) oneDriveClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	m, err := a.Manager(ctx, account)
	if err != nil {
		return nil, err
	}
	return onedrive.New(a.transport(m, onedrive.TransportOptions()), onedrive.Options{Logger: a.Logger.Named("onedrive")}), nil
}

func (a *App) baiduClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	m, err := a.Manager(ctx, account)
	if err != nil {
		return nil, err
	}
	return baidu.New(a.transport(m, baidu.TransportOptions()), baidu.Options{Logger: a.Logger.Named("baidu")}), nil
}

// Client returns the provider client of an account. For OAuth accounts the
// client also becomes the manager's profile source.
func (a *App) Client(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	c, err := a.providers.GetClient(ctx, account)
	if err != nil {
		return nil, err
	}
	if account.Provider != model.ProviderMemory {
		m, err := a.Manager(ctx, account)
		if err != nil {
			return nil, err
		}
		if pf, ok := c.(adapter.ProfileFetcher); ok {
			m.SetProfileFetcher(pf)
		}
	}
	return c, nil
}

// Login signs an account in and records the profile in settings.
func (a *App) Login(ctx context.Context, account model.Account, force bool) (*model.UserInfo, error) {
	var user *model.UserInfo
	c, err := a.Client(ctx, account)
	if err != nil {
		return nil, err
	}
	if account.Provider == model.ProviderMemory {
		pf, _ := c.(adapter.ProfileFetcher)
		if user, err = pf.UserInfo(ctx); err != nil {
			return nil, err
		}
	} else {
		m, err := a.Manager(ctx, account)
		if err != nil {
			return nil, err
		}
		if user, err = m.Authenticate(ctx, force); err != nil {
			return nil, err
		}
	}
	if err := a.Settings.ForAccount(account.ID).SetConnected(ctx, true, user); err != nil {
		return nil, err
	}
	a.Logger.Info("account connected", zap.String("account", account.ID), zap.String("user", user.Name))
	return user, nil
}

// Logout clears the account's token and marks it disconnected.
func (a *App) Logout(ctx context.Context, account model.Account) error {
	if account.Provider == model.ProviderMemory {
		return a.Settings.ForAccount(account.ID).SetConnected(ctx, false, nil)
	}
	m, err := a.Manager(ctx, account)
	if err != nil {
		return err
	}
	return m.Disconnect(ctx)
}

// Hooks are the per-run callbacks of an Orchestrator.
type Hooks struct {
	OnProgress notesync.ProgressFunc
	OnConflict notesync.ConflictFunc
	Network    notesync.NetworkMonitor
}

// Orchestrator builds the sync engine of an account.
func (a *App) Orchestrator(ctx context.Context, accountID string, hooks Hooks) (*notesync.Orchestrator, model.Account, error) {
	account, err := a.Settings.Account(accountID)
	if err != nil {
		return nil, account, err
	}
	client, err := a.Client(ctx, account)
	if err != nil {
		return nil, account, err
	}
	o := notesync.New(notesync.Options{
		Client:     client,
		Store:      a.Notes,
		Settings:   a.Settings.ForAccount(account.ID),
		Network:    hooks.Network,
		Logger:     a.Logger.Named("sync").With(zap.String("account", account.ID)),
		Metrics:    a.Metrics,
		OnProgress: hooks.OnProgress,
		OnConflict: hooks.OnConflict,
		TempDir:    a.Config.TempDir(),
	})
	return o, account, nil
}
