// Package secret resolves OAuth client secrets from SSM Parameter Store or
// the environment.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotSet is returned when no backend knows the secret.
var ErrNotSet = errors.New("secret not set")

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by parameter name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver reads SecureString parameters.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

// GetSecret fetches name with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q: %w", name, ErrNotSet)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads environment variables. "/gophnote/onedrive-client-secret"
// is looked up as GOPHNOTE_ONEDRIVE_CLIENT_SECRET.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver returns a Resolver that reads from the process environment.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// GetSecret reads the variable derived from name.
func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val, ok := r.lookup(envName)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %q (from %q): %w", envName, name, ErrNotSet)
	}
	return val, nil
}

// ChainResolver returns the first value any resolver yields.
type ChainResolver []Resolver

// GetSecret tries each resolver in order.
func (c ChainResolver) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, r := range c {
		val, err := r.GetSecret(ctx, name)
		if err == nil {
			return val, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%q: %w", name, ErrNotSet)
	}
	return "", errors.Join(errs...)
}

// paramNameToEnvVar converts a parameter path to an environment variable name.
// "/gophnote/baidu-client-secret" -> "GOPHNOTE_BAIDU_CLIENT_SECRET"
// "baidu-client-secret" -> "BAIDU_CLIENT_SECRET"
func paramNameToEnvVar(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return ""
	}
	joined := strings.Join(parts, "_")
	return strings.ToUpper(strings.ReplaceAll(joined, "-", "_"))
}
