package model

import "time"

// ProviderKind identifies a remote storage backend.
type ProviderKind string

const (
	ProviderOneDrive    ProviderKind = "onedrive"
	ProviderBaidu       ProviderKind = "baidu"
	ProviderGoogleDrive ProviderKind = "gdrive"
	ProviderMemory      ProviderKind = "memory"
)

// TokenData is the OAuth token pair of one account. ExpiresAt is epoch milliseconds.
type TokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Expiry returns ExpiresAt as a time.Time.
func (t TokenData) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// TokenRecord is the persisted, encrypted form of TokenData.
type TokenRecord struct {
	AccountID      string    `json:"account_id" dynamodbav:"user_id"`
	EncryptedToken string    `json:"encrypted_token" dynamodbav:"encrypted_token"`
	UpdatedAt      time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// UserInfo is the provider-side profile of the connected user.
type UserInfo struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// AccountSyncSettings are the per-account sync preferences.
type AccountSyncSettings struct {
	WifiOnly         bool `json:"wifiOnly" yaml:"wifi-only"`
	KeepConflictCopy bool `json:"keepConflictCopy" yaml:"keep-conflict-copy" default:"true"`
}

// Account is one connected cloud storage account.
type Account struct {
	ID           string              `json:"id" yaml:"id"`
	Provider     ProviderKind        `json:"provider" yaml:"provider"`
	DisplayName  string              `json:"displayName" yaml:"display-name"`
	SyncFolder   string              `json:"syncFolder" yaml:"sync-folder"`
	Connected    bool                `json:"connected" yaml:"-"`
	SyncSettings AccountSyncSettings `json:"syncSettings" yaml:"sync-settings"`
	UserInfo     *UserInfo           `json:"userInfo,omitempty" yaml:"-"`
}

// SyncSettings is what the orchestrator reads before planning.
type SyncSettings struct {
	SyncFolder       string
	WifiOnly         bool
	KeepConflictCopy bool
}
