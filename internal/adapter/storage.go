package adapter

import (
	"context"
	"time"

	"github.com/jun/gophnote/internal/model"
)

// RemoteObject is the descriptor every provider returns for files and folders.
type RemoteObject struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
	IsFolder     bool      `json:"isFolder"`
	Hash         string    `json:"hash,omitempty"`
}

// Quota is the storage usage of an account, in bytes.
type Quota struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// UploadOptions tune a single upload.
type UploadOptions struct {
	// ModTime is recorded as the object's client modification time and
	// reported back by ListFiles. Zero leaves the provider's own time.
	ModTime time.Time

	// Progress is called after each chunk or slice with bytes sent so far.
	Progress func(sent, total int64)
}

// ProviderClient is the contract shared by all storage backends. The
// provider-specific upload protocol stays behind UploadFile.
type ProviderClient interface {
	// ListFiles lists the direct children of a folder path.
	// A missing folder yields an empty list.
	ListFiles(ctx context.Context, folder string) ([]RemoteObject, error)

	// UploadFile uploads a local file to remotePath, replacing any existing object.
	UploadFile(ctx context.Context, localPath, remotePath string, opts UploadOptions) (*RemoteObject, error)

	// DownloadFile writes the content of the object to localPath.
	DownloadFile(ctx context.Context, fileID, localPath string) error

	// CreateFolder creates a folder path. An existing folder is not an error.
	CreateFolder(ctx context.Context, path string) (*RemoteObject, error)

	// GetQuota returns the account's storage quota.
	GetQuota(ctx context.Context) (*Quota, error)

	// DeleteFile deletes a file or folder by its ID.
	DeleteFile(ctx context.Context, fileID string) error
}

// ProfileFetcher resolves the profile of the authenticated user.
type ProfileFetcher interface {
	UserInfo(ctx context.Context) (*model.UserInfo, error)
}
