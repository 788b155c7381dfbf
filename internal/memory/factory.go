package memory

import (
	"context"
	"log"
)

// NewStore returns a Postgres-backed store when a database URL is
// configured, otherwise an in-memory store suitable for development.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		log.Printf("memory: no DATABASE_URL configured, transcripts held in memory only")
		return NewInMemoryStore(), nil
	}

	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("memory: using postgres transcript store")
	return store, nil
}
