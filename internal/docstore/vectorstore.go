package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FileMeta describes one uploaded file inside a vectorstore document.
type FileMeta struct {
	UserID      string    `bson:"user_id" json:"user_id"`
	Filename    string    `bson:"filename" json:"filename"`
	FileHash    string    `bson:"file_hash" json:"file_hash"`
	FileSize    int64     `bson:"file_size" json:"file_size"`
	UploadedAt  time.Time `bson:"uploaded_at" json:"uploaded_at"`
	ObjectName  string    `bson:"object_name" json:"object_name"`
	ContentType string    `bson:"content_type" json:"content_type"`
}

// Vectorstore is the metadata document for one vector collection.
type Vectorstore struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Files     []FileMeta         `bson:"files" json:"files"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// CreateVectorstore inserts an empty vectorstore document, optionally
// seeded with one file.
func (s *Store) CreateVectorstore(ctx context.Context, seed *FileMeta) (string, error) {
	files := []FileMeta{}
	if seed != nil {
		files = append(files, *seed)
	}
	res, err := s.db.Collection(colVectorstore).InsertOne(ctx, Vectorstore{
		Files:     files,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("insert vectorstore: %w", err)
	}
	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

// GetVectorstore loads the full document including file metadata.
func (s *Store) GetVectorstore(ctx context.Context, id string) (*Vectorstore, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid vectorstore id: %w", err)
	}
	var vs Vectorstore
	err = s.db.Collection(colVectorstore).FindOne(ctx, bson.M{"_id": oid}).Decode(&vs)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vs, nil
}

// ListVectorstores returns every vectorstore document, newest first.
func (s *Store) ListVectorstores(ctx context.Context) ([]Vectorstore, error) {
	cursor, err := s.db.Collection(colVectorstore).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Vectorstore
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AttachFile adds a file to the target vectorstore, enforcing the
// global one-hash-one-store rule: the same file hash is first pulled
// from every other vectorstore document and from the target itself.
// Returns the ids of the other vectorstores that lost the file so the
// caller can evict their index points.
func (s *Store) AttachFile(ctx context.Context, vectorstoreID string, meta FileMeta) ([]string, error) {
	oid, err := primitive.ObjectIDFromHex(vectorstoreID)
	if err != nil {
		return nil, fmt.Errorf("invalid vectorstore id: %w", err)
	}
	col := s.db.Collection(colVectorstore)

	cursor, err := col.Find(ctx,
		bson.M{"files.file_hash": meta.FileHash},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var holders []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &holders); err != nil {
		return nil, err
	}

	var evicted []string
	for _, h := range holders {
		if h.ID == oid {
			continue
		}
		_, err := col.UpdateOne(ctx,
			bson.M{"_id": h.ID},
			bson.M{"$pull": bson.M{"files": bson.M{"file_hash": meta.FileHash}}},
		)
		if err != nil {
			return nil, fmt.Errorf("pull duplicate from %s: %w", h.ID.Hex(), err)
		}
		evicted = append(evicted, h.ID.Hex())
	}

	// Replace rather than append when the target already has the hash.
	if _, err := col.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$pull": bson.M{"files": bson.M{"file_hash": meta.FileHash}}},
	); err != nil {
		return nil, err
	}

	res, err := col.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$push": bson.M{"files": meta}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A concurrent upload won the unique index; clear the hash
			// everywhere and try once more.
			if _, err := col.UpdateMany(ctx,
				bson.M{"files.file_hash": meta.FileHash},
				bson.M{"$pull": bson.M{"files": bson.M{"file_hash": meta.FileHash}}},
			); err != nil {
				return nil, err
			}
			if _, err := col.UpdateOne(ctx,
				bson.M{"_id": oid},
				bson.M{"$push": bson.M{"files": meta}},
			); err != nil {
				return nil, err
			}
			return evicted, nil
		}
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return evicted, nil
}
