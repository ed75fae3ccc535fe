// Package crypto seals OAuth tokens before they are persisted.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor seals and opens token records.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSAPI is the subset of *kms.Client used by KMSService.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService seals tokens with an AWS KMS key. Used when tokens are kept in
// the shared DynamoDB table instead of on the local disk.
type KMSService struct {
	client KMSAPI
	keyID  string
}

// NewKMSService creates a KMSService. keyID may be a key id, ARN or alias
// (e.g. "alias/gophnote-token-key").
func NewKMSService(client KMSAPI, keyID string) *KMSService {
	return &KMSService{client: client, keyID: keyID}
}

// Encrypt returns the base64 ciphertext blob.
func (s *KMSService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt opens a blob produced by Encrypt.
func (s *KMSService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}
