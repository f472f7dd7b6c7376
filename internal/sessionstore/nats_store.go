package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"okcvm/internal/session"

	"github.com/nats-io/nats.go"
)

const presenceBucket = "okcvm-session-presence"

// presenceRecord is the lightweight, JSON-serialisable fact a NATSStore
// publishes about a session it booted locally: which client owns it and
// when this replica booted it. The live *session.State itself — its
// workspace handles, its git engine, its mutex — never leaves the process
// that booted it; presenceRecord exists purely so other replicas (and
// operators) can see which instance is serving which client.
type presenceRecord struct {
	ClientID string    `json:"client_id"`
	BootedAt time.Time `json:"booted_at"`
}

// NATSStore wraps a MemoryStore for the actual live sessions (which cannot
// be serialised across a process boundary) with a JetStream KV bucket that
// records presence only: which client id is live on which replica.
type NATSStore struct {
	local *MemoryStore
	kv    nats.KeyValue
}

// NewNATSStore creates (or attaches to) the presence bucket and wraps a
// fresh local MemoryStore for serving live sessions from this replica.
func NewNATSStore(js nats.JetStreamContext) (*NATSStore, error) {
	if js == nil {
		return nil, fmt.Errorf("sessionstore: JetStream context is required")
	}

	kv, err := js.KeyValue(presenceBucket)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   presenceBucket,
			Replicas: 1,
			History:  1,
			TTL:      24 * time.Hour,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: create/get presence bucket: %w", err)
	}

	return &NATSStore{local: NewMemoryStore(), kv: kv}, nil
}

func (s *NATSStore) GetOrCreate(ctx context.Context, clientID string, boot BootFunc) (*session.State, error) {
	st, err := s.local.GetOrCreate(ctx, clientID, boot)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(presenceRecord{ClientID: clientID, BootedAt: time.Now()})
	if err == nil {
		_, _ = s.kv.Put(clientID, data)
	}
	return st, nil
}

func (s *NATSStore) TryGet(clientID string) (*session.State, bool) {
	return s.local.TryGet(clientID)
}

func (s *NATSStore) Delete(ctx context.Context, clientID string) error {
	_ = s.kv.Delete(clientID)
	return s.local.Delete(ctx, clientID)
}

func (s *NATSStore) List(ctx context.Context) ([]string, error) {
	return s.local.List(ctx)
}

// ListPresence returns every client id any replica has published a presence
// record for, not just the ones booted on this replica — useful for an
// operator endpoint that wants a cluster-wide view.
func (s *NATSStore) ListPresence() ([]string, error) {
	keys, err := s.kv.Keys()
	if err == nats.ErrNoKeysFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list presence keys: %w", err)
	}
	return keys, nil
}
