package locking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/filememo/backends"
)

const (
	leaseTokenMetadataKey  = "filememo-lease-token"
	leaseHolderMetadataKey = "filememo-lease-holder"
	leaseExpiryMetadataKey = "filememo-lease-expiry"
)

// S3Guard keeps leases as objects in a bucket. Every transition is a
// conditional request: creation uses If-None-Match: *, and takeover of an
// expired lease and release use If-Match on the ETag that was read, so of any
// number of concurrent writers exactly one wins each transition.
type S3Guard struct {
	client backends.S3API
	bucket string
	prefix string
	opts   guardOptions
}

// NewS3Guard returns a guard storing lease objects under prefix in bucket.
func NewS3Guard(client backends.S3API, bucket, prefix string, opts ...GuardOption) (*S3Guard, error) {
	if bucket == "" {
		return nil, errors.New("bucket name cannot be empty")
	}
	return &S3Guard{
		client: client,
		bucket: bucket,
		prefix: prefix,
		opts:   applyGuardOptions(opts),
	}, nil
}

func (g *S3Guard) objectKey(key string) string {
	return path.Join(g.prefix, digest.FromString(key).Encoded()+".lease")
}

func (g *S3Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease, err := newLease(g.opts, key, ttl)
	if err != nil {
		return nil, err
	}

	err = g.put(ctx, lease, "")
	if err == nil {
		return lease, nil
	}
	if !isPreconditionFailed(err) {
		return nil, g.unavailable("acquire", key, err)
	}

	held, err := g.head(ctx, key)
	if err != nil {
		return nil, g.unavailable("acquire", key, err)
	}
	if held != nil && g.opts.now().Before(held.Expiry) {
		return nil, &AlreadyRunningError{Key: key, Holder: held.Holder, Expiry: held.Expiry}
	}

	// Released since our write was rejected: create again. Expired: replace
	// exactly the version we read, so a concurrent takeover makes ours fail.
	ifMatch := ""
	if held != nil {
		g.opts.logger.Info("taking over expired lease",
			"key", key, "previous_holder", held.Holder, "expired_at", held.Expiry)
		ifMatch = held.etag
	}
	if err := g.put(ctx, lease, ifMatch); err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			return nil, &AlreadyRunningError{Key: key, Holder: "unknown", Expiry: lease.Expiry}
		}
		return nil, g.unavailable("acquire", key, err)
	}
	return lease, nil
}

func (g *S3Guard) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(g.bucket),
		Key:     aws.String(g.objectKey(lease.Key)),
		IfMatch: aws.String(lease.etag),
	})
	switch {
	case err == nil, isNotFound(err):
		return nil
	case isPreconditionFailed(err):
		g.opts.logger.Warn("lease was taken over before release", "key", lease.Key)
		return nil
	default:
		return g.unavailable("release", lease.Key, err)
	}
}

// put writes lease. An empty ifMatch creates the object only if it does not
// exist; otherwise the object is replaced only if its ETag is ifMatch. On
// success the new ETag is recorded in the lease.
func (g *S3Guard) put(ctx context.Context, lease *Lease, ifMatch string) error {
	body, err := json.Marshal(leaseRecord{
		Key:    lease.Key,
		Token:  lease.Token,
		Holder: lease.Holder,
		Expiry: lease.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(g.objectKey(lease.Key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			leaseTokenMetadataKey:  lease.Token,
			leaseHolderMetadataKey: lease.Holder,
			leaseExpiryMetadataKey: lease.Expiry.UTC().Format(time.RFC3339Nano),
		},
	}
	if ifMatch == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(ifMatch)
	}
	out, err := g.client.PutObject(ctx, input)
	if err != nil {
		return err
	}
	lease.etag = aws.ToString(out.ETag)
	return nil
}

type s3LeaseRecord struct {
	leaseRecord
	etag string
}

// head returns the stored lease, or nil if there is none.
func (g *S3Guard) head(ctx context.Context, key string) (*s3LeaseRecord, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	rec := &s3LeaseRecord{
		leaseRecord: leaseRecord{
			Key:    key,
			Token:  out.Metadata[leaseTokenMetadataKey],
			Holder: out.Metadata[leaseHolderMetadataKey],
		},
		etag: aws.ToString(out.ETag),
	}
	// A lease without a readable expiry is treated as already expired.
	if expiry, err := time.Parse(time.RFC3339Nano, out.Metadata[leaseExpiryMetadataKey]); err == nil {
		rec.Expiry = expiry
	}
	return rec, nil
}

func (g *S3Guard) unavailable(op, key string, err error) error {
	return &backends.UnavailableError{Scheme: backends.S3Scheme, Op: "lease " + op, Key: key, Err: err}
}

func isNotFound(err error) bool {
	return hasErrorCode(err, "NotFound", "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	return hasErrorCode(err, "PreconditionFailed", "ConditionalRequestConflict")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
