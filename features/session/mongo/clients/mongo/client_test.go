package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentconsole/console/runtime/console/session"
)

func TestEnsureIndexes(t *testing.T) {
	sessions := newFakeSessionsCollection()
	turns := newFakeTurnsCollection()
	require.NoError(t, ensureIndexes(context.Background(), sessions, turns))
	require.Equal(t, 1, sessions.indexCreated)
	require.Equal(t, 3, turns.indexCreated)
}

func TestCreateLoadEndSession(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	sess, err := client.CreateSession(context.Background(), session.Session{ID: "sess-1", CreatedAt: now, BranchedFrom: "sess-0"})
	require.NoError(t, err)
	require.Equal(t, "sess-1", sess.ID)
	require.Equal(t, session.StatusActive, sess.Status)
	require.Equal(t, "sess-0", sess.BranchedFrom)
	require.True(t, sess.CreatedAt.Equal(now))

	loaded, err := client.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, sess, loaded)

	end := now.Add(time.Minute)
	ended, err := client.EndSession(context.Background(), "sess-1", end)
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	require.True(t, ended.EndedAt.Equal(end))

	again, err := client.EndSession(context.Background(), "sess-1", end.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.EndedAt.Equal(end))

	_, err = client.CreateSession(context.Background(), session.Session{ID: "sess-1", CreatedAt: now})
	require.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	_, err := client.CreateSession(context.Background(), session.Session{ID: "sess-1", CreatedAt: now})
	require.NoError(t, err)

	again, err := client.CreateSession(context.Background(), session.Session{ID: "sess-1", CreatedAt: now.Add(time.Minute), Model: "claude"})
	require.NoError(t, err)
	require.True(t, again.CreatedAt.Equal(now))
	require.Equal(t, "claude", again.Model)

	third, err := client.CreateSession(context.Background(), session.Session{ID: "sess-1", CreatedAt: now, Model: "other"})
	require.NoError(t, err)
	require.Equal(t, "claude", third.Model)
}

func TestSessionValidation(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.CreateSession(context.Background(), session.Session{CreatedAt: time.Now()})
	require.EqualError(t, err, "session id is required")
	_, err = client.CreateSession(context.Background(), session.Session{ID: "s"})
	require.EqualError(t, err, "created_at is required")
	_, err = client.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = client.EndSession(context.Background(), "missing", time.Now())
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpsertAndLoadTurn(t *testing.T) {
	client := mustNewTestClient()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	turn := session.TurnMeta{
		TurnID:    "turn-1",
		SessionID: "sess-1",
		Status:    session.TurnStatusRunning,
		StartedAt: started,
		Labels:    map[string]string{"source": "replay"},
	}
	require.NoError(t, client.UpsertTurn(context.Background(), turn))

	stored, err := client.LoadTurn(context.Background(), "turn-1")
	require.NoError(t, err)
	require.Equal(t, session.TurnStatusRunning, stored.Status)
	require.Equal(t, "replay", stored.Labels["source"])
	require.True(t, stored.StartedAt.Equal(started))

	turn.Status = session.TurnStatusCompleted
	turn.Subtype = "success"
	turn.NumTurns = 2
	turn.StartedAt = started.Add(time.Hour)
	require.NoError(t, client.UpsertTurn(context.Background(), turn))
	updated, err := client.LoadTurn(context.Background(), "turn-1")
	require.NoError(t, err)
	require.Equal(t, session.TurnStatusCompleted, updated.Status)
	require.Equal(t, "success", updated.Subtype)
	require.Equal(t, 2, updated.NumTurns)
	require.True(t, updated.StartedAt.Equal(started), "started_at is only written on insert")
}

func TestListTurnsBySession(t *testing.T) {
	client := mustNewTestClient()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, tm := range []session.TurnMeta{
		{TurnID: "turn-2", SessionID: "sess-1", Status: session.TurnStatusCompleted, StartedAt: base.Add(time.Minute)},
		{TurnID: "turn-1", SessionID: "sess-1", Status: session.TurnStatusCompleted, StartedAt: base},
		{TurnID: "turn-3", SessionID: "sess-1", Status: session.TurnStatusFailed, StartedAt: base.Add(2 * time.Minute)},
		{TurnID: "turn-4", SessionID: "sess-2", Status: session.TurnStatusCompleted, StartedAt: base},
	} {
		require.NoError(t, client.UpsertTurn(context.Background(), tm), "turn %d", i)
	}

	all, err := client.ListTurnsBySession(context.Background(), "sess-1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"turn-1", "turn-2", "turn-3"}, turnIDs(all))

	done, err := client.ListTurnsBySession(context.Background(), "sess-1", []session.TurnStatus{session.TurnStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, []string{"turn-1", "turn-2"}, turnIDs(done))
}

func TestTurnValidation(t *testing.T) {
	client := mustNewTestClient()
	require.EqualError(t, client.UpsertTurn(context.Background(), session.TurnMeta{}), "turn id is required")
	_, err := client.LoadTurn(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrTurnNotFound)
	_, err = client.LoadTurn(context.Background(), "")
	require.EqualError(t, err, "turn id is required")
	_, err = client.ListTurnsBySession(context.Background(), "", nil)
	require.EqualError(t, err, "session id is required")
}

func TestPingWithoutConnection(t *testing.T) {
	client := mustNewTestClient()
	require.Equal(t, "console-session-mongo", client.Name())
	require.Error(t, client.Ping(context.Background()))
}

func turnIDs(turns []session.TurnMeta) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.TurnID
	}
	return out
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollections(nil, newFakeSessionsCollection(), newFakeTurnsCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

func upsertRequested(opts []options.Lister[options.UpdateOneOptions]) bool {
	var args options.UpdateOneOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&args)
		}
	}
	return args.Upsert != nil && *args.Upsert
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *turnDocument:
		*typed = r.doc.(turnDocument)
	case *sessionDocument:
		*typed = r.doc.(sessionDocument)
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeSessionsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]sessionDocument
}

func newFakeSessionsCollection() *fakeSessionsCollection {
	return &fakeSessionsCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeSessionsCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter.(bson.M)["session_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeSessionsCollection) Find(context.Context, any, ...options.Lister[options.FindOptions]) (cursor, error) {
	return &fakeCursor{idx: -1}, nil
}

func (c *fakeSessionsCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[id]
	up := update.(bson.M)
	if !ok {
		if !upsertRequested(opts) {
			return &mongodriver.UpdateResult{}, nil
		}
		if soi, ok := up["$setOnInsert"].(bson.M); ok {
			doc.SessionID, _ = soi["session_id"].(string)
			doc.Status, _ = soi["status"].(session.SessionStatus)
			doc.BranchedFrom, _ = soi["branched_from"].(string)
			doc.CreatedAt, _ = soi["created_at"].(time.Time)
		}
	}
	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["status"].(session.SessionStatus); ok {
			doc.Status = v
		}
		if v, ok := set["model"].(string); ok {
			doc.Model = v
		}
		if v, ok := set["ended_at"].(time.Time); ok {
			doc.EndedAt = &v
		}
		if v, ok := set["updated_at"].(time.Time); ok {
			doc.UpdatedAt = v
		}
	}
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeSessionsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeTurnsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]turnDocument
}

func newFakeTurnsCollection() *fakeTurnsCollection {
	return &fakeTurnsCollection{docs: make(map[string]turnDocument)}
}

func (c *fakeTurnsCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter.(bson.M)["turn_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeTurnsCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	sessionID, _ := f["session_id"].(string)
	var allowed map[session.TurnStatus]bool
	if raw, ok := f["status"].(bson.M); ok {
		allowed = make(map[session.TurnStatus]bool)
		for _, st := range raw["$in"].([]session.TurnStatus) {
			allowed[st] = true
		}
	}
	var docs []turnDocument
	for _, doc := range c.docs {
		if doc.SessionID != sessionID || (allowed != nil && !allowed[doc.Status]) {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].StartedAt.Before(docs[j].StartedAt) })
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (c *fakeTurnsCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["turn_id"].(string)
	doc, ok := c.docs[id]
	up := update.(bson.M)
	if !ok {
		if !upsertRequested(opts) {
			return &mongodriver.UpdateResult{}, nil
		}
		if soi, ok := up["$setOnInsert"].(bson.M); ok {
			doc.StartedAt, _ = soi["started_at"].(time.Time)
		}
	}
	set := up["$set"].(bson.M)
	doc.TurnID, _ = set["turn_id"].(string)
	doc.SessionID, _ = set["session_id"].(string)
	doc.Status, _ = set["status"].(session.TurnStatus)
	doc.Subtype, _ = set["subtype"].(string)
	doc.NumTurns, _ = set["num_turns"].(int)
	doc.UpdatedAt, _ = set["updated_at"].(time.Time)
	doc.Labels, _ = set["labels"].(map[string]string)
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeTurnsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeCursor struct {
	docs []any
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	return fakeSingleResult{doc: c.docs[c.idx]}.Decode(val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}
