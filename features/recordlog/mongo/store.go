package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/agentconsole/console/features/recordlog/mongo/clients/mongo"
	"github.com/agentconsole/console/runtime/console/recordlog"
)

// Store implements recordlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ recordlog.Store = (*Store)(nil)

// NewStore builds a Mongo-backed record log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return s.client.Name()
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Append implements recordlog.Store.
func (s *Store) Append(ctx context.Context, r *recordlog.Record) error {
	return s.client.Append(ctx, r)
}

// List implements recordlog.Store.
func (s *Store) List(ctx context.Context, turnID string, cursor string, limit int) (recordlog.Page, error) {
	return s.client.List(ctx, turnID, cursor, limit)
}
