package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/zstd"
)

// S3Scheme is the scheme of the S3 backend.
const S3Scheme = "s3"

const (
	encodingMetadataKey = "filememo-encoding"
	encodingZstd        = "zstd"
)

// S3API is the subset of *s3.Client used by the S3 backend and the S3 lease
// guard.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures an S3 client.
type S3Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int
	Compress       bool
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// S3 stores values as objects in a single bucket.
type S3 struct {
	client   S3API
	bucket   string
	prefix   string
	compress bool
}

// NewS3 creates an S3 backend. Objects are stored under cfg.Prefix and, when
// cfg.Compress is set, zstd-compressed; the encoding is recorded in object
// metadata so mixed buckets download correctly.
func NewS3(client S3API, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name cannot be empty")
	}
	return &S3{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		compress: cfg.Compress,
	}, nil
}

func (b *S3) Scheme() string { return S3Scheme }

func (b *S3) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.head(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3) Timestamp(ctx context.Context, key string) (time.Time, error) {
	out, err := b.head(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return aws.ToTime(out.LastModified), nil
}

func (b *S3) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, b.translateError(err, "head", key)
	}
	return out, nil
}

func (b *S3) Upload(ctx context.Context, localPath, key string) error {
	body, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	defer body.Close()

	metadata := map[string]string{}
	if b.compress {
		compressed, err := compressToTemp(body)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", localPath, err)
		}
		defer func() {
			compressed.Close()
			os.Remove(compressed.Name())
		}()
		body = compressed
		metadata[encodingMetadataKey] = encodingZstd
	}

	info, err := body.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat upload body: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      metadata,
	})
	if err != nil {
		return b.translateError(err, "upload", key)
	}
	return nil
}

func (b *S3) Download(ctx context.Context, key, localPath string) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return b.translateError(err, "download", key)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if out.Metadata[encodingMetadataKey] == encodingZstd {
		dec, err := zstd.NewReader(out.Body)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	if err := writeFile(localPath, &ctxReader{ctx: ctx, r: r}); err != nil {
		return unavailable(S3Scheme, "download", key, err)
	}
	return nil
}

func (b *S3) Close() error { return nil }

func (b *S3) translateError(err error, op, key string) error {
	if isS3NotFound(err) {
		return notFound(S3Scheme, key)
	}
	return unavailable(S3Scheme, op, key, err)
}

func isS3NotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// compressToTemp writes a zstd-compressed copy of r to a temp file and
// returns it rewound.
func compressToTemp(r io.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp("", "filememo-zstd-*")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*os.File, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fail(err)
	}
	if err := enc.Close(); err != nil {
		return fail(err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	return tmp, nil
}
