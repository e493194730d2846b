package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reqledger/pkg/blobcodec"
	"reqledger/pkg/models"
)

var (
	ErrAlreadyExists = errors.New("ledger entry already exists")
	ErrCorruptValue  = blobcodec.ErrCorruptValue
)

const DefaultSet = "messages"

// Key addresses one ledger entry. ID is the caller's request id, used verbatim.
type Key struct {
	Namespace string
	Set       string
	ID        string
}

func (k Key) String() string {
	return k.Namespace + ":" + k.Set + ":" + k.ID
}

type LedgerOptions struct {
	Namespace string
	Set       string
	TTL       time.Duration
}

// LedgerStore persists encoded request entities on top of a Cache backend.
type LedgerStore struct {
	cache     Cache
	namespace string
	set       string
	ttl       time.Duration
	now       func() time.Time
}

func NewLedgerStore(cache Cache, opts LedgerOptions) *LedgerStore {
	set := strings.TrimSpace(opts.Set)
	if set == "" {
		set = DefaultSet
	}
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	return &LedgerStore{
		cache:     cache,
		namespace: strings.TrimSpace(opts.Namespace),
		set:       set,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *LedgerStore) Key(requestID string) Key {
	return Key{Namespace: s.namespace, Set: s.set, ID: requestID}
}

func (s *LedgerStore) TTL() time.Duration { return s.ttl }

// Get returns the stored entity and whether it exists. Undecodable values
// surface as ErrCorruptValue.
func (s *LedgerStore) Get(ctx context.Context, requestID string) (models.RequestEntity, bool, error) {
	key := s.Key(requestID)
	raw, err := s.cache.Get(ctx, key.String())
	if errors.Is(err, ErrCacheMiss) {
		return models.RequestEntity{}, false, nil
	}
	if err != nil {
		return models.RequestEntity{}, false, fmt.Errorf("ledger get %s: %w", key, err)
	}
	payload, err := blobcodec.Decode(raw)
	if err != nil {
		return models.RequestEntity{}, false, fmt.Errorf("ledger get %s: %w", key, err)
	}
	var entity models.RequestEntity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return models.RequestEntity{}, false, fmt.Errorf("ledger get %s: %w: %v", key, ErrCorruptValue, err)
	}
	return entity, true, nil
}

// PutCreateOnly writes the entity only if no live entry exists for its id.
func (s *LedgerStore) PutCreateOnly(ctx context.Context, entity *models.RequestEntity) error {
	key := s.Key(entity.RequestID)
	value, err := s.encode(entity)
	if err != nil {
		return err
	}
	ok, err := s.cache.SetNX(ctx, key.String(), value, s.ttl)
	if err != nil {
		return fmt.Errorf("ledger create %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("ledger create %s: %w", key, ErrAlreadyExists)
	}
	return nil
}

// PutReplace overwrites the entry for the entity's id.
func (s *LedgerStore) PutReplace(ctx context.Context, entity *models.RequestEntity) error {
	key := s.Key(entity.RequestID)
	value, err := s.encode(entity)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, key.String(), value, s.ttl); err != nil {
		return fmt.Errorf("ledger replace %s: %w", key, err)
	}
	return nil
}

func (s *LedgerStore) Delete(ctx context.Context, requestID string) error {
	key := s.Key(requestID)
	if err := s.cache.Del(ctx, key.String()); err != nil {
		return fmt.Errorf("ledger delete %s: %w", key, err)
	}
	return nil
}

func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// encode stamps updatedAt and produces the stored value.
func (s *LedgerStore) encode(entity *models.RequestEntity) (string, error) {
	if entity == nil {
		return "", fmt.Errorf("%w: nil entity", models.ErrInvalidEntity)
	}
	if err := entity.Validate(); err != nil {
		return "", err
	}
	entity.UpdatedAt = s.now().UTC()
	payload, err := json.Marshal(entity)
	if err != nil {
		return "", fmt.Errorf("marshal entity: %w", err)
	}
	return blobcodec.Encode(payload)
}
