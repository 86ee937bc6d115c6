package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/config"
)

// presignCacheEntry holds a presigned URL until it is due for renewal.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log     logrus.FieldLogger
	cfg     *config.ArchiveS3Config
	client  *s3.Client
	presign *s3.PresignClient
	expiry  time.Duration

	mu    sync.RWMutex
	cache map[string]presignCacheEntry
	now   func() time.Time
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.ArchiveS3Config) (Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	client := newS3Client(cfg)

	return &s3Archiver{
		log:     log.WithField("component", "s3-archiver"),
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		expiry:  cfg.PresignExpiryDuration(),
		cache:   make(map[string]presignCacheEntry, 64),
		now:     time.Now,
	}, nil
}

func newS3Client(cfg *config.ArchiveS3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("runwatch write test: %s", a.now().UTC().Format(time.RFC3339))

	key := path.Join(strings.Trim(a.cfg.Prefix, "/"), ".runwatch-write-test")

	if err := a.put(ctx, key, []byte(content), "text/plain"); err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Archive uploads report.json and, when the runner printed anything,
// output.log.
func (a *s3Archiver) Archive(ctx context.Context, report *Report) error {
	reportKey, err := objectKey(a.cfg.Prefix, report.ExecutionID, reportFile)
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := a.put(ctx, reportKey, body, "application/json"); err != nil {
		return fmt.Errorf("uploading %s: %w", reportFile, err)
	}

	files := 1

	if report.Output != "" {
		outputKey, _ := objectKey(a.cfg.Prefix, report.ExecutionID, outputFile)

		if err := a.put(ctx, outputKey, []byte(report.Output), "text/plain; charset=utf-8"); err != nil {
			return fmt.Errorf("uploading %s: %w", outputFile, err)
		}

		files++
	}

	a.log.WithFields(logrus.Fields{
		"execution_id": report.ExecutionID,
		"files":        files,
		"bucket":       a.cfg.Bucket,
	}).Info("Report archived")

	return nil
}

func (a *s3Archiver) put(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}

	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": a.cfg.Bucket,
	}).Debug("Uploading object")

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// Locate checks that the report exists and returns a presigned GET URL
// for it. URLs are cached for half their validity.
func (a *s3Archiver) Locate(ctx context.Context, executionID string) (string, error) {
	key, err := objectKey(a.cfg.Prefix, executionID, reportFile)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotArchived, err)
	}

	now := a.now()

	a.mu.RLock()
	if entry, ok := a.cache[key]; ok && now.Before(entry.expiresAt) {
		a.mu.RUnlock()

		return entry.url, nil
	}
	a.mu.RUnlock()

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrNotArchived, executionID)
		}

		return "", fmt.Errorf("checking %s: %w", key, err)
	}

	result, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	a.mu.Lock()
	a.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(a.expiry / 2),
	}
	a.mu.Unlock()

	return result.URL, nil
}
