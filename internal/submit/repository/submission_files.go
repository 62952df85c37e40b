package repository

import (
	"bytes"
	"context"

	"hive/internal/common/storage"
	"hive/pkg/errors"
)

// SubmissionFileStore archives uploaded files in object storage.
type SubmissionFileStore struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewSubmissionFileStore creates a file store for the given bucket.
func NewSubmissionFileStore(objectStorage storage.ObjectStorage, bucket string) *SubmissionFileStore {
	return &SubmissionFileStore{storage: objectStorage, bucket: bucket}
}

// SubmissionObjectKey is the object key of a submission's uploaded file.
func SubmissionObjectKey(submissionID string) string {
	return "submissions/" + submissionID + "/user"
}

// Put stores the uploaded file under the submission's key.
func (s *SubmissionFileStore) Put(ctx context.Context, submissionID string, data []byte) error {
	if s == nil || s.storage == nil {
		return errors.New(errors.ServiceUnavailable).WithMessage("submission storage is not configured")
	}
	if submissionID == "" {
		return errors.ValidationError("submission_id", "required")
	}
	_, err := s.storage.PutObject(ctx, s.bucket, SubmissionObjectKey(submissionID),
		bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	if err != nil {
		return errors.Wrapf(err, errors.StorageError, "archive submission file failed")
	}
	return nil
}
