// Package audit archives resolution records and their per-bet settlements
// to S3-compatible object storage (AWS S3, MinIO, R2).
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/settlement-engine/internal/model"
)

// Settlement is one real-money bet's outcome within a resolution.
type Settlement struct {
	BetID       string `json:"bet_id"`
	UserID      string `json:"user_id"`
	Outcome     string `json:"outcome"`
	StakeCents  int64  `json:"stake_cents"`
	PayoutCents int64  `json:"payout_cents"`
	Error       string `json:"error,omitempty"`
}

// Record is the archived document for one resolved market.
type Record struct {
	Resolution   model.MarketResolutionRecord `json:"resolution"`
	Settlements  []Settlement                 `json:"settlements"`
	PaperSettled int                          `json:"paper_settled"`
}

// Archiver stores resolution records.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Nop discards records. Used when no bucket is configured.
type Nop struct{}

func (Nop) Archive(context.Context, Record) error { return nil }

// Config holds the connection settings for the archive bucket.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each record as JSON to resolutions/<source>/<market>.json.
type S3Archiver struct {
	client objectPutter
	bucket string
}

// NewS3Archiver builds an archiver from static credentials. An empty
// Endpoint targets AWS S3.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("audit: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("audit: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", rec.Resolution.MarketID, err)
	}

	key := ObjectKey(rec.Resolution.Source, rec.Resolution.MarketID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("audit: put object %s: %w", key, err)
	}
	return nil
}

// ObjectKey returns the object path for a market's resolution document.
func ObjectKey(source model.MarketSource, marketID string) string {
	return fmt.Sprintf("resolutions/%s/%s.json", source, url.PathEscape(marketID))
}

// normaliseEndpoint adds an https scheme when the endpoint has none.
func normaliseEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}

var (
	_ Archiver = Nop{}
	_ Archiver = (*S3Archiver)(nil)
)
