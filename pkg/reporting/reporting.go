package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Entry is the append-only mirror of one processed billing event. The sink
// is strictly non-critical: its absence never implies the subscription
// update did not happen.
type Entry struct {
	EntryID        string    `json:"entry_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         uint      `json:"user_id"`
	PreviousPlan   string    `json:"previous_plan"`
	NewPlan        string    `json:"new_plan"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// S3Sink appends entries as JSON objects to a bucket, one object per event
// outcome. Keys include the event ID, so writing the same entry twice just
// overwrites it with identical content.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Sink(ctx context.Context, bucket, region, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Sink) Append(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not encode reporting entry: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", s.prefix, e.SubscriptionID, e.EventID)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("could not upload reporting entry: %w", err)
	}

	return nil
}
