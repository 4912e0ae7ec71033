package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mailpilot/internal/config"
	"mailpilot/internal/models"
)

// Indexer records a pointer to the archived message for downstream search.
type Indexer interface {
	IndexProcessed(ctx context.Context, accountID, messageKey, subject, action, archiveKey string) error
}

// Archiver persists processed messages to S3 and indexes them in Postgres.
// The orchestrator calls it last and swallows its failures; nothing here
// may affect a processing result. With no bucket configured only the index
// row is written.
type Archiver struct {
	client *s3.Client
	bucket string
	index  Indexer
}

// New builds the archiver. The S3 client is only created when a bucket is
// configured.
func New(ctx context.Context, cfg config.Config, index Indexer) (*Archiver, error) {
	a := &Archiver{bucket: cfg.ArchiveS3Bucket, index: index}
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.client = client
	}
	return a, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

type archivedMessage struct {
	AccountID   string         `json:"account_id"`
	Action      string         `json:"action"`
	Destination string         `json:"destination"`
	Message     models.Message `json:"message"`
}

// Archive stores the processed message and its index row.
func (a *Archiver) Archive(ctx context.Context, accountID string, msg models.Message, action, destination string) error {
	key := msg.TrackingKey(accountID)

	var archiveKey string
	if a.client != nil {
		body, err := json.Marshal(archivedMessage{
			AccountID:   accountID,
			Action:      action,
			Destination: destination,
			Message:     msg,
		})
		if err != nil {
			return fmt.Errorf("marshal archived message: %w", err)
		}
		archiveKey = fmt.Sprintf("processed/%s/%s.json", accountID, key)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(archiveKey),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("put archive object %s: %w", archiveKey, err)
		}
	}

	if err := a.index.IndexProcessed(ctx, accountID, key, msg.Subject, action, archiveKey); err != nil {
		return fmt.Errorf("index processed message %s: %w", key, err)
	}
	return nil
}
