package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/agentconsole/console/features/session/mongo/clients/mongo"
	"github.com/agentconsole/console/runtime/console/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name identifies the store in health checks.
func (s *Store) Name() string {
	return s.client.Name()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	return s.client.CreateSession(ctx, sess)
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// EndSession implements session.Store.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	return s.client.EndSession(ctx, sessionID, endedAt)
}

// UpsertTurn implements session.Store.
func (s *Store) UpsertTurn(ctx context.Context, turn session.TurnMeta) error {
	return s.client.UpsertTurn(ctx, turn)
}

// LoadTurn implements session.Store.
func (s *Store) LoadTurn(ctx context.Context, turnID string) (session.TurnMeta, error) {
	return s.client.LoadTurn(ctx, turnID)
}

// ListTurnsBySession implements session.Store.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionID string, statuses []session.TurnStatus) ([]session.TurnMeta, error) {
	return s.client.ListTurnsBySession(ctx, sessionID, statuses)
}
