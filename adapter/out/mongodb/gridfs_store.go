package mongodb

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"verifier_server/core/domain"
)

const blobBucketName = "bulk_files"

// GridFSStore implements out.BlobStore on a GridFS bucket. FileRef IDs
// are hex-encoded ObjectIDs.
type GridFSStore struct {
	bucket *gridfs.Bucket
}

func NewGridFSStore(db *mongo.Database) (*GridFSStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(blobBucketName))
	if err != nil {
		return nil, fmt.Errorf("failed to create gridfs bucket: %w", err)
	}
	return &GridFSStore{bucket: bucket}, nil
}

// Save uploads a workbook and returns its reference.
func (s *GridFSStore) Save(ctx context.Context, data []byte, filename, contentType string) (*domain.FileRef, error) {
	opts := options.GridFSUpload().SetMetadata(bson.M{"content_type": contentType})

	oid := primitive.NewObjectID()
	if err := s.bucket.UploadFromStreamWithID(oid, filename, bytes.NewReader(data), opts); err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	return &domain.FileRef{
		ID:          oid.Hex(),
		Name:        filename,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Read loads a whole file into memory. Input workbooks are bounded by
// the upload size limit, so this stays small.
func (s *GridFSStore) Read(ctx context.Context, ref *domain.FileRef) ([]byte, error) {
	oid, err := primitive.ObjectIDFromHex(ref.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid file id %q: %w", ref.ID, err)
	}

	var buf bytes.Buffer
	if _, err := s.bucket.DownloadToStream(oid, &buf); err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	return buf.Bytes(), nil
}

// OpenDownloadStream streams a file without buffering it.
func (s *GridFSStore) OpenDownloadStream(ctx context.Context, ref *domain.FileRef) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(ref.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid file id %q: %w", ref.ID, err)
	}
	stream, err := s.bucket.OpenDownloadStream(oid)
	if err != nil {
		return nil, fmt.Errorf("failed to open download stream: %w", err)
	}
	return stream, nil
}

// Delete removes a stored file.
func (s *GridFSStore) Delete(ctx context.Context, ref *domain.FileRef) error {
	oid, err := primitive.ObjectIDFromHex(ref.ID)
	if err != nil {
		return fmt.Errorf("invalid file id %q: %w", ref.ID, err)
	}
	if err := s.bucket.Delete(oid); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
