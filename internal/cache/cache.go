package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Store is the backend contract. Memory is the in-process bounded LRU;
// Redis shares entries across gateway replicas. Both degrade to misses
// rather than failing a dispatch.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is the stored shape of a completed non-streaming response.
type Entry struct {
	Body      json.RawMessage `json:"body"`
	Usage     providers.Usage `json:"usage"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	CreatedAt time.Time       `json:"created_at"`
}

// EncodeEntry serializes an entry for storage.
func EncodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses a stored entry. Undecodable data is treated as a miss
// by callers.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
