package auth

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/jun/gophnote/internal/model"
)

// BaiduEndpoint is the Baidu open platform OAuth endpoint. Baidu expects the
// client credentials in the form body.
var BaiduEndpoint = oauth2.Endpoint{
	AuthURL:   "https://openapi.baidu.com/oauth/2.0/authorize",
	TokenURL:  "https://openapi.baidu.com/oauth/2.0/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// ProviderOAuth is the provider-specific part of an oauth2.Config.
type ProviderOAuth struct {
	Endpoint oauth2.Endpoint
	Scopes   []string

	// ForceParams are added to the authorization URL when re-authentication
	// is forced, so the provider shows a fresh sign-in.
	ForceParams []oauth2.AuthCodeOption
}

// ProviderOAuthFor returns the OAuth settings of a provider kind.
func ProviderOAuthFor(kind model.ProviderKind) (ProviderOAuth, error) {
	switch kind {
	case model.ProviderOneDrive:
		return ProviderOAuth{
			Endpoint: microsoft.AzureADEndpoint("common"),
			Scopes:   []string{"Files.ReadWrite", "User.Read", "offline_access", "openid", "profile"},
			ForceParams: []oauth2.AuthCodeOption{
				oauth2.SetAuthURLParam("prompt", "select_account"),
			},
		}, nil
	case model.ProviderBaidu:
		return ProviderOAuth{
			Endpoint: BaiduEndpoint,
			Scopes:   []string{"basic,netdisk"},
			ForceParams: []oauth2.AuthCodeOption{
				oauth2.SetAuthURLParam("force_login", "1"),
			},
		}, nil
	case model.ProviderGoogleDrive:
		return ProviderOAuth{
			Endpoint: google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/drive.file",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			ForceParams: []oauth2.AuthCodeOption{oauth2.ApprovalForce},
		}, nil
	}
	return ProviderOAuth{}, fmt.Errorf("provider %q has no oauth endpoint", kind)
}
