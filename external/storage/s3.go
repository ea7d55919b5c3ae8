package storage

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/voicelab/speakerd/internal/storage"
)

// S3Client abstracts the S3 API operations used by [S3SampleStore].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3SampleStore keeps voice sample audio in an S3-compatible bucket,
// one object per sample under <prefix>/<voiceID>/<segmentID>.pcm.
type S3SampleStore struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3SampleStore(client S3Client, bucket, prefix string) storage.SampleStore {
	return &S3SampleStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3SampleStore) key(voiceID, segmentID string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s.pcm", voiceID, segmentID)
	}
	return fmt.Sprintf("%s/%s/%s.pcm", s.prefix, voiceID, segmentID)
}

func (s *S3SampleStore) Store(ctx context.Context, data []byte, meta storage.SampleMetadata) (string, error) {
	if meta.VoiceID == "" || meta.SegmentID == "" {
		return "", fmt.Errorf("storage: sample metadata requires voice id and segment id")
	}
	key := s.key(meta.VoiceID, meta.SegmentID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("audio/L16"),
		Metadata: map[string]string{
			"voice-id":         meta.VoiceID,
			"segment-id":       meta.SegmentID,
			"quality":          strconv.FormatFloat(meta.Quality, 'f', 4, 64),
			"duration-seconds": strconv.FormatFloat(meta.DurationSeconds, 'f', 3, 64),
			"captured-at":      meta.CapturedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: put sample %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
