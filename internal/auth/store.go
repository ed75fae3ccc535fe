package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/gophnote/internal/crypto"
	"github.com/jun/gophnote/internal/model"
)

// ErrNoToken is returned by a TokenStore that holds nothing for the account.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists one sealed TokenData per account.
type TokenStore interface {
	Load(ctx context.Context, accountID string) (*model.TokenData, error)
	Save(ctx context.Context, accountID string, token model.TokenData) error
	Delete(ctx context.Context, accountID string) error
}

func seal(ctx context.Context, enc crypto.Encryptor, accountID string, token model.TokenData) (model.TokenRecord, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("marshal token: %w", err)
	}
	sealed, err := enc.Encrypt(ctx, string(raw))
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("encrypt token: %w", err)
	}
	return model.TokenRecord{AccountID: accountID, EncryptedToken: sealed, UpdatedAt: time.Now()}, nil
}

func open(ctx context.Context, enc crypto.Encryptor, rec model.TokenRecord) (*model.TokenData, error) {
	plain, err := enc.Decrypt(ctx, rec.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}
	var token model.TokenData
	if err := json.Unmarshal([]byte(plain), &token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &token, nil
}

// FileTokenStore keeps <dir>/<account>.token files readable only by the owner.
type FileTokenStore struct {
	dir string
	enc crypto.Encryptor
}

// NewFileTokenStore creates a FileTokenStore rooted at dir.
func NewFileTokenStore(dir string, enc crypto.Encryptor) *FileTokenStore {
	return &FileTokenStore{dir: dir, enc: enc}
}

func (s *FileTokenStore) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".token")
}

func (s *FileTokenStore) Load(ctx context.Context, accountID string) (*model.TokenData, error) {
	data, err := os.ReadFile(s.path(accountID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return open(ctx, s.enc, rec)
}

func (s *FileTokenStore) Save(ctx context.Context, accountID string, token model.TokenData) error {
	rec, err := seal(ctx, s.enc, accountID, token)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, accountID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(accountID)); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Delete(_ context.Context, accountID string) error {
	err := os.Remove(s.path(accountID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// DynamoAPI is the subset of *dynamodb.Client used by DynamoTokenStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoTokenStore keeps sealed tokens in a DynamoDB table keyed by
// user_id, for installations that share credentials across machines.
// With a nil client it falls back to process memory.
type DynamoTokenStore struct {
	client    DynamoAPI
	tableName string
	enc       crypto.Encryptor

	mu     sync.RWMutex
	tokens map[string]model.TokenRecord
}

// NewDynamoTokenStore creates a DynamoTokenStore.
func NewDynamoTokenStore(client DynamoAPI, tableName string, enc crypto.Encryptor) *DynamoTokenStore {
	return &DynamoTokenStore{
		client:    client,
		tableName: tableName,
		enc:       enc,
		tokens:    make(map[string]model.TokenRecord),
	}
}

func (s *DynamoTokenStore) key(accountID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: accountID},
	}
}

func (s *DynamoTokenStore) Load(ctx context.Context, accountID string) (*model.TokenData, error) {
	var rec model.TokenRecord
	if s.client == nil {
		s.mu.RLock()
		r, ok := s.tokens[accountID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrNoToken
		}
		rec = r
	} else {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.key(accountID),
		})
		if err != nil {
			return nil, fmt.Errorf("get token item: %w", err)
		}
		if out.Item == nil {
			return nil, ErrNoToken
		}
		if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal token item: %w", err)
		}
	}
	return open(ctx, s.enc, rec)
}

func (s *DynamoTokenStore) Save(ctx context.Context, accountID string, token model.TokenData) error {
	rec, err := seal(ctx, s.enc, accountID, token)
	if err != nil {
		return err
	}
	if s.client == nil {
		s.mu.Lock()
		s.tokens[accountID] = rec
		s.mu.Unlock()
		return nil
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal token item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put token item: %w", err)
	}
	return nil
}

func (s *DynamoTokenStore) Delete(ctx context.Context, accountID string) error {
	if s.client == nil {
		s.mu.Lock()
		delete(s.tokens, accountID)
		s.mu.Unlock()
		return nil
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(accountID),
	})
	if err != nil {
		return fmt.Errorf("delete token item: %w", err)
	}
	return nil
}
