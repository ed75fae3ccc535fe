package adapter

import (
	"context"
	"path"
	"strings"

	"github.com/jun/gophnote/internal/model"
)

// StorageProvider builds the ProviderClient of an account.
type StorageProvider interface {
	// GetClient returns a ProviderClient for the given account.
	GetClient(ctx context.Context, account model.Account) (ProviderClient, error)
}

// JoinPath joins remote path segments into an absolute slash path.
func JoinPath(elem ...string) string {
	p := path.Join(elem...)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
