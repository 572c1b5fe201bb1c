// Package mongo hosts the MongoDB client backing the console session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/agentconsole/console/runtime/console/session"
)

const (
	defaultSessionsCollection = "console_sessions"
	defaultTurnsCollection    = "console_turns"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "console-session-mongo"
)

// Client exposes Mongo-backed operations for sessions and turn metadata.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)

	UpsertTurn(ctx context.Context, turn session.TurnMeta) error
	LoadTurn(ctx context.Context, turnID string) (session.TurnMeta, error)
	ListTurnsBySession(ctx context.Context, sessionID string, statuses []session.TurnStatus) ([]session.TurnMeta, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	TurnsCollection    string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	turns    collection
	timeout  time.Duration
	now      func() time.Time
}

// New returns a Client backed by MongoDB. It creates the indexes the queries
// rely on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsName := opts.SessionsCollection
	if sessionsName == "" {
		sessionsName = defaultSessionsCollection
	}
	turnsName := opts.TurnsCollection
	if turnsName == "" {
		turnsName = defaultTurnsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	sessions := mongoCollection{coll: db.Collection(sessionsName)}
	turns := mongoCollection{coll: db.Collection(turnsName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, sessions, turns); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, sessions, turns, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not connected")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if sess.CreatedAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	existing, err := c.LoadSession(ctx, sess.ID)
	switch {
	case err == nil:
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		if existing.Model != "" || sess.Model == "" {
			return existing, nil
		}
	case !errors.Is(err, session.ErrSessionNotFound):
		return session.Session{}, err
	}

	now := c.now().UTC()
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		// created_at and branched_from are only written on insert. A model
		// announced after the session was first recorded fills in an empty
		// one.
		"$setOnInsert": bson.M{
			"session_id":    sess.ID,
			"status":        session.StatusActive,
			"branched_from": sess.BranchedFrom,
			"created_at":    sess.CreatedAt.UTC(),
		},
		"$set": bson.M{
			"updated_at": now,
		},
	}
	if sess.Model != "" {
		update["$set"].(bson.M)["model"] = sess.Model
	}
	if _, err := c.sessions.UpdateOne(tctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}

	out, err := c.LoadSession(ctx, sess.ID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	return out, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	existing, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}

	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"status":     session.StatusEnded,
			"ended_at":   endedAt.UTC(),
			"updated_at": c.now().UTC(),
		},
	}
	if _, err := c.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, update); err != nil {
		return session.Session{}, err
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) UpsertTurn(ctx context.Context, turn session.TurnMeta) error {
	if turn.TurnID == "" {
		return errors.New("turn id is required")
	}
	now := c.now().UTC()
	if turn.StartedAt.IsZero() {
		turn.StartedAt = now
	}
	turn.UpdatedAt = now
	doc := fromTurnMeta(turn)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"turn_id":    doc.TurnID,
			"session_id": doc.SessionID,
			"status":     doc.Status,
			"subtype":    doc.Subtype,
			"num_turns":  doc.NumTurns,
			"updated_at": doc.UpdatedAt,
			"labels":     doc.Labels,
		},
		"$setOnInsert": bson.M{
			"started_at": doc.StartedAt,
		},
	}
	_, err := c.turns.UpdateOne(ctx, bson.M{"turn_id": turn.TurnID}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadTurn(ctx context.Context, turnID string) (session.TurnMeta, error) {
	if turnID == "" {
		return session.TurnMeta{}, errors.New("turn id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc turnDocument
	if err := c.turns.FindOne(ctx, bson.M{"turn_id": turnID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.TurnMeta{}, session.ErrTurnNotFound
		}
		return session.TurnMeta{}, err
	}
	return doc.toTurnMeta(), nil
}

func (c *client) ListTurnsBySession(ctx context.Context, sessionID string, statuses []session.TurnStatus) ([]session.TurnMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	filter := bson.M{"session_id": sessionID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.turns.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.TurnMeta
	for cur.Next(ctx) {
		var doc turnDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTurnMeta())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type turnDocument struct {
	TurnID    string             `bson:"turn_id"`
	SessionID string             `bson:"session_id,omitempty"`
	Status    session.TurnStatus `bson:"status"`
	Subtype   string             `bson:"subtype,omitempty"`
	NumTurns  int                `bson:"num_turns,omitempty"`
	StartedAt time.Time          `bson:"started_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
	Labels    map[string]string  `bson:"labels,omitempty"`
}

type sessionDocument struct {
	SessionID    string                `bson:"session_id"`
	Status       session.SessionStatus `bson:"status"`
	Model        string                `bson:"model,omitempty"`
	BranchedFrom string                `bson:"branched_from,omitempty"`
	CreatedAt    time.Time             `bson:"created_at"`
	EndedAt      *time.Time            `bson:"ended_at,omitempty"`
	UpdatedAt    time.Time             `bson:"updated_at"`
}

func fromTurnMeta(turn session.TurnMeta) turnDocument {
	return turnDocument{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Status:    turn.Status,
		Subtype:   turn.Subtype,
		NumTurns:  turn.NumTurns,
		StartedAt: turn.StartedAt.UTC(),
		UpdatedAt: turn.UpdatedAt.UTC(),
		Labels:    cloneLabels(turn.Labels),
	}
}

func (doc turnDocument) toTurnMeta() session.TurnMeta {
	return session.TurnMeta{
		TurnID:    doc.TurnID,
		SessionID: doc.SessionID,
		Status:    doc.Status,
		Subtype:   doc.Subtype,
		NumTurns:  doc.NumTurns,
		StartedAt: doc.StartedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Labels:    cloneLabels(doc.Labels),
	}
}

func (doc sessionDocument) toSession() session.Session {
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{
		ID:           doc.SessionID,
		Status:       doc.Status,
		Model:        doc.Model,
		BranchedFrom: doc.BranchedFrom,
		CreatedAt:    doc.CreatedAt.UTC(),
		EndedAt:      endedAt,
	}
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, sessions, turns collection) error {
	models := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{sessions, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{turns, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "turn_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{turns, mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "started_at", Value: 1}},
		}},
		{turns, mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}},
		}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, sessions, turns collection, timeout time.Duration) (*client, error) {
	if sessions == nil || turns == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessions,
		turns:    turns,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
