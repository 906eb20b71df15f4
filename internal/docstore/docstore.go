// Package docstore wraps the per-tenant MongoDB database holding
// threads, AI logs and vectorstore metadata. Database names are
// derived from the org id; one Store serves one tenant.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

const (
	colThreads     = "threads"
	colAILog       = "ai_log"
	colUserThread  = "user_thread"
	colVectorstore = "vectorstore"
)

// ErrNotFound is returned for lookups of missing documents.
var ErrNotFound = errors.New("docstore: not found")

// Store is the tenant-scoped document store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logger.Logger
}

// New connects to MongoDB and scopes the store to the tenant database
// named prefix+orgID.
func New(ctx context.Context, uri, prefix, orgID string, log *logger.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &Store{
		client: client,
		db:     client.Database(prefix + orgID),
		logger: log.WithComponent("docstore"),
	}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the tenant indexes and cleans up duplicate
// file hashes left behind by earlier versions, so the partial unique
// index on files.file_hash can be built. Idempotent; run at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(colUserThread).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("user_thread index: %w", err)
	}

	_, err = s.db.Collection(colThreads).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "function_name", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("threads indexes: %w", err)
	}

	// job_id is unique where present: a redelivered job's second
	// terminal append hits the index instead of duplicating the entry.
	_, err = s.db.Collection(colAILog).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{
			Keys: bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_ai_log_job_id").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"job_id": bson.M{"$exists": true, "$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("ai_log indexes: %w", err)
	}

	_, err = s.db.Collection(colVectorstore).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("vectorstore index: %w", err)
	}

	if err := s.dedupFileHashes(ctx); err != nil {
		return err
	}

	_, err = s.db.Collection(colVectorstore).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "files.file_hash", Value: 1}},
		Options: options.Index().
			SetName("uniq_files_file_hash").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"files.file_hash": bson.M{"$exists": true}}),
	})
	if err != nil {
		// Leftover duplicates keep the unique index from building; the
		// store still works, uniqueness is then enforced at write time.
		s.logger.Warn("file_hash unique index not ensured", "error", err)
	}
	return nil
}

// dedupFileHashes removes vectorstore documents that share a file hash
// with an earlier document, keeping the first one.
func (s *Store) dedupFileHashes(ctx context.Context) error {
	col := s.db.Collection(colVectorstore)
	pipeline := mongo.Pipeline{
		{{Key: "$unwind", Value: bson.M{"path": "$files", "preserveNullAndEmptyArrays": false}}},
		{{Key: "$match", Value: bson.M{"files.file_hash": bson.M{"$exists": true, "$type": "string", "$ne": ""}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$files.file_hash",
			"ids":   bson.M{"$push": "$_id"},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$match", Value: bson.M{"count": bson.M{"$gt": 1}}}},
	}

	cursor, err := col.Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("dedup aggregate: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			Hash string               `bson:"_id"`
			IDs  []primitive.ObjectID `bson:"ids"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("dedup decode: %w", err)
		}
		if len(doc.IDs) < 2 {
			continue
		}
		res, err := col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": doc.IDs[1:]}})
		if err != nil {
			return fmt.Errorf("dedup delete: %w", err)
		}
		s.logger.Info("removed duplicate vectorstore documents", "file_hash", doc.Hash, "count", res.DeletedCount)
	}
	return cursor.Err()
}

// Thread is one conversation thread record.
type Thread struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID        string             `bson:"user_id" json:"user_id"`
	FunctionName  string             `bson:"function_name" json:"function_name"`
	SubFunction   string             `bson:"sub_function,omitempty" json:"sub_function,omitempty"`
	SessionID     string             `bson:"session_id,omitempty" json:"session_id,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	LastTimestamp time.Time          `bson:"last_timestamp" json:"last_timestamp"`
}

// CreateThread inserts a thread and points the user's user_thread
// record at it.
func (s *Store) CreateThread(ctx context.Context, userID, functionName, subFunction, sessionID string) (string, error) {
	now := time.Now().UTC()
	res, err := s.db.Collection(colThreads).InsertOne(ctx, Thread{
		UserID:        userID,
		FunctionName:  functionName,
		SubFunction:   subFunction,
		SessionID:     sessionID,
		CreatedAt:     now,
		LastTimestamp: now,
	})
	if err != nil {
		return "", fmt.Errorf("insert thread: %w", err)
	}
	threadID := res.InsertedID.(primitive.ObjectID).Hex()

	_, err = s.db.Collection(colUserThread).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"thread_id": threadID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("upsert user_thread: %w", err)
	}
	return threadID, nil
}

// TouchThread advances a thread's last_timestamp.
func (s *Store) TouchThread(ctx context.Context, threadID string) error {
	oid, err := primitive.ObjectIDFromHex(threadID)
	if err != nil {
		return fmt.Errorf("invalid thread id: %w", err)
	}
	_, err = s.db.Collection(colThreads).UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"last_timestamp": time.Now().UTC()}},
	)
	return err
}

// LogEntry is one generated message attached to a thread.
type LogEntry struct {
	ThreadID  string    `bson:"thread_id" json:"thread_id"`
	JobID     string    `bson:"job_id,omitempty" json:"job_id,omitempty"`
	Role      string    `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// AppendLog records one message in the AI log. Entries carrying a job
// id are idempotent: the unique index absorbs the second append of a
// redelivered job.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Collection(colAILog).InsertOne(ctx, entry)
	if entry.JobID != "" && mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// ThreadLog returns a thread's messages in timestamp order.
func (s *Store) ThreadLog(ctx context.Context, threadID string) ([]LogEntry, error) {
	cursor, err := s.db.Collection(colAILog).Find(ctx,
		bson.M{"thread_id": threadID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []LogEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
