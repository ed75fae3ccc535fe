package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/gophnote/internal/model"
)

// ProfileFromIDToken reads the user profile from an OpenID Connect id_token.
// The signature is not verified; only use tokens taken from the token endpoint response.
func ProfileFromIDToken(raw string) (*model.UserInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	info := &model.UserInfo{
		ID:    claimString(claims, "oid", "sub"),
		Name:  claimString(claims, "name", "preferred_username"),
		Email: claimString(claims, "email", "preferred_username"),
	}
	if info.ID == "" {
		return nil, fmt.Errorf("id_token carries no subject")
	}
	return info, nil
}

func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
