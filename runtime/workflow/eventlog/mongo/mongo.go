// Package mongo implements eventlog.Log on MongoDB.
//
// Events live in one collection with a unique index on
// (execution_id, event_id); sequence numbers are allocated from a companion
// counters collection so Seq is monotonic per execution even across server
// restarts. Duplicate appends are detected through the unique index and
// resolved by reading back the previously assigned Seq.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/eventlog"
)

type (
	// Options configures the Mongo event log.
	Options struct {
		// Client is the MongoDB connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the event collection name. Defaults to
		// "workflow_events"; counters live in "<collection>_seq".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Log implements eventlog.Log backed by MongoDB. It also implements
	// health.Pinger for liveness probes.
	Log struct {
		mongo    *mongodriver.Client
		events   *mongodriver.Collection
		counters *mongodriver.Collection
		timeout  time.Duration
	}

	eventDocument struct {
		ExecutionID string    `bson:"execution_id"`
		EventID     string    `bson:"event_id"`
		Seq         int64     `bson:"seq"`
		Timestamp   time.Time `bson:"timestamp"`
		Source      string    `bson:"source"`
		Name        string    `bson:"name"`
		EntityType  string    `bson:"entity_type"`
		EntityID    string    `bson:"entity_id"`
		ParentID    string    `bson:"parent_id,omitempty"`
		Status      string    `bson:"status,omitempty"`
		Attempt     int       `bson:"attempt,omitempty"`
		Iteration   *int      `bson:"iteration,omitempty"`
		Page        int       `bson:"page,omitempty"`
		Payload     []byte    `bson:"payload,omitempty"`
	}
)

const (
	defaultCollection = "workflow_events"
	defaultTimeout    = 5 * time.Second
	logName           = "eventlog-mongo"
)

var _ eventlog.Log = (*Log)(nil)

// New returns a Log backed by the provided MongoDB client and ensures the
// required indexes exist.
func New(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	l := &Log{
		mongo:    opts.Client,
		events:   db.Collection(collection),
		counters: db.Collection(collection + "_seq"),
		timeout:  timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements health.Pinger.
func (l *Log) Name() string { return logName }

// Ping implements health.Pinger.
func (l *Log) Ping(ctx context.Context) error {
	return l.mongo.Ping(ctx, readpref.Primary())
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, e *event.Event) (int64, bool, error) {
	if e == nil {
		return 0, false, errors.New("event is required")
	}
	if e.ExecutionID == "" || e.EventID == "" {
		return 0, false, errors.New("execution_id and event_id are required")
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	seq, err := l.nextSeq(ctx, e.ExecutionID)
	if err != nil {
		return 0, false, err
	}

	doc := eventDocument{
		ExecutionID: e.ExecutionID,
		EventID:     e.EventID,
		Seq:         seq,
		Timestamp:   e.Timestamp.UTC(),
		Source:      string(e.Source),
		Name:        string(e.Name),
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ParentID:    e.ParentID,
		Status:      e.Status,
		Attempt:     e.Attempt,
		Iteration:   e.Iteration,
		Page:        e.Page,
		Payload:     append([]byte(nil), e.Payload...),
	}
	if _, err := l.events.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// Redelivered event: the unique index already holds it. Sequence
			// numbers may have gaps; ordering is what matters.
			existing, lookupErr := l.lookupSeq(ctx, e.ExecutionID, e.EventID)
			if lookupErr != nil {
				return 0, false, lookupErr
			}
			e.Seq = existing
			return existing, true, nil
		}
		return 0, false, err
	}
	e.Seq = seq
	return seq, false, nil
}

// List implements eventlog.Log.
func (l *Log) List(ctx context.Context, executionID string, f eventlog.Filter) (result []*event.Event, err error) {
	if executionID == "" {
		return nil, errors.New("execution_id is required")
	}

	filter := bson.M{"execution_id": executionID}
	if f.FromSeq > 0 {
		filter["seq"] = bson.M{"$gt": f.FromSeq}
	}
	if f.Name != "" {
		filter["name"] = string(f.Name)
	}
	if f.EntityType != "" {
		filter["entity_type"] = f.EntityType
	}
	if f.EntityID != "" {
		filter["entity_id"] = f.EntityID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if f.Limit > 0 {
		findOpts.SetLimit(int64(f.Limit))
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	cur, err := l.events.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, &event.Event{
			EventID:     doc.EventID,
			ExecutionID: doc.ExecutionID,
			Seq:         doc.Seq,
			Timestamp:   doc.Timestamp,
			Source:      event.Source(doc.Source),
			Name:        event.Name(doc.Name),
			EntityType:  doc.EntityType,
			EntityID:    doc.EntityID,
			ParentID:    doc.ParentID,
			Status:      doc.Status,
			Attempt:     doc.Attempt,
			Iteration:   doc.Iteration,
			Page:        doc.Page,
			Payload:     append([]byte(nil), doc.Payload...),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// nextSeq atomically allocates the next sequence number for the execution.
func (l *Log) nextSeq(ctx context.Context, executionID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := l.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": executionID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (l *Log) lookupSeq(ctx context.Context, executionID, eventID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := l.events.FindOne(ctx,
		bson.M{"execution_id": executionID, "event_id": eventID},
		options.FindOne().SetProjection(bson.M{"seq": 1}),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Log) ensureIndexes(ctx context.Context) error {
	_, err := l.events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}}},
	})
	return err
}
