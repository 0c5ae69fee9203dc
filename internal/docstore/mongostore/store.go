// Package mongostore is the MongoDB-backed document store. Collection
// paths map to namespaced collections, live subscriptions ride change
// streams, and resubscribe attempts after stream failures are
// rate-limited so a flapping server is not hammered.
package mongostore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmoura/convo/internal/docstore"
)

// Store implements docstore.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	// resub throttles change-stream reopen attempts across all feeds.
	resub *rate.Limiter
}

var _ docstore.Store = (*Store)(nil)

// Open connects to MongoDB and verifies the connection.
func Open(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{
		client: client,
		db:     client.Database(database),
		logger: logger,
		resub:  rate.NewLimiter(rate.Every(2*time.Second), 3),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// coll maps a slash collection path to a MongoDB collection.
func (s *Store) coll(path string) *mongo.Collection {
	return s.db.Collection(strings.ReplaceAll(path, "/", "__"))
}

func splitPath(path string) (collection, id string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:i], path[i+1:], nil
}

// Get reads one document by slash path.
func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	collPath, id, err := splitPath(path)
	if err != nil {
		return docstore.Document{}, err
	}
	var raw bson.M
	err = s.coll(collPath).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return fromBSON(id, raw), nil
}

// Set writes a document. Server-timestamp sentinels resolve through
// $currentDate so ordering follows the server's clock.
func (s *Store) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	collPath, id, err := splitPath(path)
	if err != nil {
		return err
	}
	if !merge {
		if _, err := s.coll(collPath).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return s.upsert(ctx, collPath, id, data)
}

// Update applies a partial update to an existing document.
func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	collPath, id, err := splitPath(path)
	if err != nil {
		return err
	}
	set, current := splitSentinels(data)
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(current) > 0 {
		update["$currentDate"] = current
	}
	res, err := s.coll(collPath).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Add creates a document with a generated id.
func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := bson.NewObjectID().Hex()
	if err := s.upsert(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) upsert(ctx context.Context, collPath, id string, data map[string]any) error {
	set, current := splitSentinels(data)
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(current) > 0 {
		update["$currentDate"] = current
	}
	if len(update) == 0 {
		update["$set"] = bson.M{}
	}
	_, err := s.coll(collPath).UpdateOne(ctx, bson.M{"_id": id}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collPath, id, err)
	}
	return nil
}

// Query runs a one-shot read.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts = opts.SetSort(bson.M{q.OrderBy: dir})
	}
	if q.Limit > 0 {
		opts = opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.coll(q.Path).Find(ctx, toFilter(q.Filters), opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Path, err)
	}
	defer cursor.Close(ctx)

	var out []docstore.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		id, _ := raw["_id"].(string)
		out = append(out, fromBSON(id, raw))
	}
	return out, cursor.Err()
}

// Subscribe opens a change-stream-backed live query.
func (s *Store) Subscribe(q docstore.Query, onNext func(docstore.Snapshot), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	go s.watch(ctx, q, onNext, onError)

	return cancel, nil
}

type streamEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

func (s *Store) watch(ctx context.Context, q docstore.Query, onNext func(docstore.Snapshot), onError func(error)) {
	current := make(map[string]docstore.Document)

	for {
		if err := s.watchOnce(ctx, q, current, onNext); err != nil {
			if ctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			if s.logger != nil {
				s.logger.Warn("change stream failed, resubscribing",
					zap.String("path", q.Path), zap.Error(err))
			}
			if err := s.resub.Wait(ctx); err != nil {
				return
			}
			continue
		}
		return
	}
}

func (s *Store) watchOnce(ctx context.Context, q docstore.Query, current map[string]docstore.Document, onNext func(docstore.Snapshot)) error {
	stream, err := s.coll(q.Path).Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("watch %s: %w", q.Path, err)
	}
	defer stream.Close(ctx)

	// Initial snapshot after the stream opens so no commit is missed.
	docs, err := s.Query(ctx, q)
	if err != nil {
		return err
	}
	clear(current)
	snap := docstore.Snapshot{}
	for _, d := range docs {
		current[d.ID] = d
		snap.Changes = append(snap.Changes, docstore.Change{Kind: docstore.Added, Doc: d})
	}
	snap.Docs = docs
	onNext(snap)

	for stream.Next(ctx) {
		var evt streamEvent
		if err := stream.Decode(&evt); err != nil {
			return fmt.Errorf("decode change %s: %w", q.Path, err)
		}
		change, ok := s.applyEvent(q, current, evt)
		if !ok {
			continue
		}
		onNext(docstore.Snapshot{Docs: currentDocs(current), Changes: []docstore.Change{change}})
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("stream %s closed: %w", q.Path, stream.Err())
}

// applyEvent folds one change-stream event into the tracked set,
// re-evaluating the query predicate client-side.
func (s *Store) applyEvent(q docstore.Query, current map[string]docstore.Document, evt streamEvent) (docstore.Change, bool) {
	id, _ := evt.DocumentKey.ID.(string)
	if id == "" {
		return docstore.Change{}, false
	}
	_, known := current[id]

	if evt.OperationType == "delete" {
		if !known {
			return docstore.Change{}, false
		}
		delete(current, id)
		return docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: id}}, true
	}

	doc := fromBSON(id, evt.FullDocument)
	if !matchesFilters(doc.Data, q.Filters) {
		if !known {
			return docstore.Change{}, false
		}
		delete(current, id)
		return docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: id}}, true
	}

	current[id] = doc
	kind := docstore.Added
	if known {
		kind = docstore.Modified
	}
	return docstore.Change{Kind: kind, Doc: doc}, true
}

func currentDocs(current map[string]docstore.Document) []docstore.Document {
	out := make([]docstore.Document, 0, len(current))
	for _, d := range current {
		out = append(out, d)
	}
	return out
}

func toFilter(filters []docstore.Filter) bson.M {
	out := bson.M{}
	for _, f := range filters {
		switch f.Op {
		case "==", "array-contains":
			out[f.Field] = f.Value
		case "!=":
			out[f.Field] = bson.M{"$ne": f.Value}
		}
	}
	return out
}

func matchesFilters(data map[string]any, filters []docstore.Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case "==":
			if data[f.Field] != f.Value {
				return false
			}
		case "!=":
			if data[f.Field] == f.Value {
				return false
			}
		case "array-contains":
			found := false
			for _, v := range docstore.StringSlice(data, f.Field) {
				if v == f.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// splitSentinels separates server-timestamp fields from plain values.
func splitSentinels(data map[string]any) (set bson.M, current bson.M) {
	set = bson.M{}
	current = bson.M{}
	for k, v := range data {
		if v == docstore.ServerTimestamp {
			current[k] = true
			continue
		}
		set[k] = v
	}
	return set, current
}

// fromBSON normalizes driver types into the docstore representation.
func fromBSON(id string, raw bson.M) docstore.Document {
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		data[k] = normalize(v)
	}
	return docstore.Document{ID: id, Data: data}
}

func normalize(v any) any {
	switch vv := v.(type) {
	case bson.DateTime:
		return vv.Time()
	case bson.A:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = normalize(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			out[k] = normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(vv))
		for _, e := range vv {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case int32:
		return int(vv)
	case int64:
		return int(vv)
	default:
		return v
	}
}
