package artifact

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Presigner mints time-limited artifact references from objects in an
// S3-compatible bucket. The upstream build step is expected to have stored
// the object's SHA256 digest in a "checksum" metadata entry; when present it
// carries over into the reference so the fetcher can verify integrity.
type Presigner struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

// PresignerConfig holds settings for constructing a Presigner.
type PresignerConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores
	AccessKey string // optional static credentials; default chain otherwise
	SecretKey string
	URLTTL    time.Duration
}

// NewPresigner creates a Presigner against the configured bucket.
func NewPresigner(ctx context.Context, cfg PresignerConfig) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("presigner requires a bucket")
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Presigner{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		ttl:     ttl,
	}, nil
}

// Mint produces a Reference for the object at key, valid for the configured
// TTL. The object must exist; its checksum metadata, if stored, becomes the
// reference's expected checksum.
func (p *Presigner) Mint(ctx context.Context, key string) (Reference, error) {
	objectKey := path.Join(p.prefix, key)

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		return Reference{}, fmt.Errorf("failed to stat object %q: %w", objectKey, err)
	}

	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return Reference{}, fmt.Errorf("failed to presign object %q: %w", objectKey, err)
	}

	return NewReference(path.Base(key), req.URL, head.Metadata["checksum"], p.ttl), nil
}
