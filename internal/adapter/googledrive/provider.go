package googledrive

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

// TokenSourceFunc returns the token source of an account.
type TokenSourceFunc func(ctx context.Context, account model.Account) (oauth2.TokenSource, error)

// Provider implements adapter.StorageProvider for Google Drive.
type Provider struct {
	tokens TokenSourceFunc
	opts   Options
}

var _ adapter.StorageProvider = (*Provider)(nil)

// NewProvider creates a new Google Drive provider.
func NewProvider(tokens TokenSourceFunc, logger *zap.Logger) *Provider {
	return &Provider{tokens: tokens, opts: Options{Logger: logger}}
}

// GetClient returns a Drive client authenticated as account.
func (p *Provider) GetClient(ctx context.Context, account model.Account) (adapter.ProviderClient, error) {
	ts, err := p.tokens(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("get token source: %w", err)
	}
	c, err := New(ctx, ts, p.opts)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return c, nil
}
