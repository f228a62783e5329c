// Package archive mirrors schedule run audit entries to object storage for reporting.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	"leados-scheduler/internal/config"
	"leados-scheduler/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archive writes schedule runs as JSON documents keyed by date and action.
type Archive struct {
	up uploader
}

// New picks an uploader from config: S3 when a bucket is set, a local directory when
// ARCHIVE_DIR is set. It returns nil when neither is configured.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archive{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal returns an archive writing under baseDir.
func NewLocal(baseDir string) *Archive {
	return &Archive{up: &localUploader{baseDir: baseDir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key returns the object key a run is stored under.
func Key(run models.ScheduleRun) string {
	ts := run.CreatedAt.UTC()
	return path.Join("runs", ts.Format("2006"), ts.Format("01"), ts.Format("02"),
		fmt.Sprintf("%s-%s.json", run.Action, run.ID))
}

// Store uploads run and returns where it was written.
func (a *Archive) Store(ctx context.Context, run models.ScheduleRun) (string, error) {
	if a == nil || a.up == nil {
		return "", errors.New("archive not configured")
	}
	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	loc, err := a.up.Upload(ctx, Key(run), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload run: %w", err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
