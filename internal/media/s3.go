// Package media provides S3-compatible storage for video assets.
// It hands out presigned URLs so clients upload and download directly against the bucket.
package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Qualities is the transcoding ladder every uploaded video is rendered to, best first.
var Qualities = []string{"1080p", "720p", "480p", "360p"}

// SourceQuality names the original upload.
const SourceQuality = "source"

var (
	ErrUnknownQuality   = errors.New("unknown quality")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrTooLarge         = errors.New("media exceeds maximum size")
)

// Options configures the asset store.
type Options struct {
	Endpoint  string // S3 service endpoint URL; empty uses AWS
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	MaxSize      int64    // Upload size limit in bytes; 0 disables the check
	AllowedTypes []string // Accepted upload MIME types; empty accepts any
}

// S3Client issues presigned URLs for video assets.
type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	maxSize int64
	types   []string
}

// NewS3Client creates the asset store. It supports AWS S3 and S3-compatible
// services like MinIO, which need path-style addressing.
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     opts.AccessKey,
					SecretAccessKey: opts.SecretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		maxSize: opts.MaxSize,
		types:   opts.AllowedTypes,
	}, nil
}

// AssetKey is the object key of one rendition of a video.
func AssetKey(videoID, quality string) string {
	return fmt.Sprintf("videos/%s/%s.mp4", videoID, quality)
}

// ValidQuality reports whether quality is on the ladder or names the source upload.
func ValidQuality(quality string) bool {
	return quality == SourceQuality || slices.Contains(Qualities, quality)
}

// CheckUpload validates an upload before a URL is issued for it.
func (s *S3Client) CheckUpload(mimeType string, size int64) error {
	if len(s.types) > 0 && !slices.Contains(s.types, mimeType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, s.maxSize)
	}
	return nil
}

// GenerateUploadURL presigns a PUT of the source file of videoID.
func (s *S3Client) GenerateUploadURL(ctx context.Context, videoID, mimeType string, size int64, expires time.Duration) (string, error) {
	if err := s.CheckUpload(mimeType, size); err != nil {
		return "", err
	}
	res, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(AssetKey(videoID, SourceQuality)),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned upload URL: %w", err)
	}
	return res.URL, nil
}

// GenerateDownloadURL presigns a GET of one rendition of videoID.
func (s *S3Client) GenerateDownloadURL(ctx context.Context, videoID, quality string, expires time.Duration) (string, error) {
	if !ValidQuality(quality) {
		return "", fmt.Errorf("%w: %s", ErrUnknownQuality, quality)
	}
	res, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(AssetKey(videoID, quality)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned download URL: %w", err)
	}
	return res.URL, nil
}

// Stat returns the size of a stored rendition.
func (s *S3Client) Stat(ctx context.Context, videoID, quality string) (int64, error) {
	res, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(AssetKey(videoID, quality)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return aws.ToInt64(res.ContentLength), nil
}
