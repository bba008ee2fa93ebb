package storage

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendKV     = "kv"
	BackendSQLite = "sqlite"
)

// JetStreamProvider yields a JetStream context. *natsclient.Client satisfies it.
type JetStreamProvider interface {
	JetStream() (jetstream.JetStream, error)
}

// Open builds the Store named by backend. The kv backend needs nc; the
// sqlite backend needs path.
func Open(ctx context.Context, backend, path string, nc JetStreamProvider) (Store, error) {
	switch backend {
	case "", BackendKV:
		if nc == nil {
			return nil, fmt.Errorf("kv backend requires a NATS connection")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		return NewKVStore(ctx, js)
	case BackendSQLite:
		if path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return OpenSQLite(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
