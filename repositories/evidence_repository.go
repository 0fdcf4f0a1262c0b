package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StoredFile describes a file kept in the evidence bucket.
type StoredFile struct {
	ID          primitive.ObjectID
	Name        string
	Length      int64
	ContentType string
}

type EvidenceStore interface {
	Upload(ctx context.Context, filename string, data io.Reader, uploadedBy primitive.ObjectID, contentType string) (primitive.ObjectID, error)
	Open(ctx context.Context, fileID primitive.ObjectID) (io.ReadCloser, *StoredFile, error)
	Delete(ctx context.Context, fileID primitive.ObjectID) error
}

type gridFSEvidenceStore struct {
	bucket *gridfs.Bucket
}

func NewEvidenceStore(db *mongo.Database) (EvidenceStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("evidence"))
	if err != nil {
		return nil, fmt.Errorf("failed to create GridFS bucket: %w", err)
	}
	return &gridFSEvidenceStore{bucket: bucket}, nil
}

func (s *gridFSEvidenceStore) Upload(ctx context.Context, filename string, data io.Reader, uploadedBy primitive.ObjectID, contentType string) (primitive.ObjectID, error) {
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"uploadedBy":  uploadedBy,
		"uploadedAt":  time.Now(),
		"contentType": contentType,
	})

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.bucket.SetWriteDeadline(deadline); err != nil {
			return primitive.NilObjectID, err
		}
	}
	fileID, err := s.bucket.UploadFromStream(filename, data, uploadOpts)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to upload file to GridFS: %w", err)
	}
	return fileID, nil
}

func (s *gridFSEvidenceStore) Open(ctx context.Context, fileID primitive.ObjectID) (io.ReadCloser, *StoredFile, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.bucket.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}
	}
	stream, err := s.bucket.OpenDownloadStream(fileID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file from GridFS: %w", err)
	}

	info := stream.GetFile()
	file := &StoredFile{
		ID:          fileID,
		Name:        info.Name,
		Length:      info.Length,
		ContentType: "application/octet-stream",
	}
	if len(info.Metadata) > 0 {
		var meta struct {
			ContentType string `bson:"contentType"`
		}
		if err := bson.Unmarshal(info.Metadata, &meta); err == nil && meta.ContentType != "" {
			file.ContentType = meta.ContentType
		}
	}
	return stream, file, nil
}

func (s *gridFSEvidenceStore) Delete(ctx context.Context, fileID primitive.ObjectID) error {
	return s.bucket.DeleteContext(ctx, fileID)
}
