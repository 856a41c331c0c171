// Package s3test provides an in-memory stand-in for the S3 API used in tests.
package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Object is a stored object.
type Object struct {
	Data         []byte
	Metadata     map[string]string
	LastModified time.Time
	ETag         string
}

// Fake implements the HeadObject/GetObject/PutObject/DeleteObject subset of
// the S3 client, including conditional requests with If-None-Match: * and
// If-Match.
type Fake struct {
	mu      sync.Mutex
	objects map[string]Object
	version int

	// Err, when set, is returned by every call.
	Err error
	// Now supplies LastModified timestamps.
	Now func() time.Time
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{objects: make(map[string]Object), Now: time.Now}
}

func id(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

// Put stores an object directly.
func (f *Fake) Put(bucket, key string, obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = obj
}

// Get returns an object directly.
func (f *Fake) Get(bucket, key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	return obj, ok
}

// Len returns the number of stored objects.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *Fake) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	obj, ok := f.objects[id(params.Bucket, params.Key)]
	if !ok {
		return nil, &s3types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Data))),
		LastModified:  aws.Time(obj.LastModified),
		Metadata:      obj.Metadata,
		ETag:          aws.String(obj.ETag),
	}, nil
}

func (f *Fake) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	obj, ok := f.objects[id(params.Bucket, params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Data)),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		LastModified:  aws.Time(obj.LastModified),
		Metadata:      obj.Metadata,
		ETag:          aws.String(obj.ETag),
	}, nil
}

func (f *Fake) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	key := id(params.Bucket, params.Key)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, preconditionFailed()
		}
	}
	if err := f.checkIfMatch(key, params.IfMatch); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.version++
	etag := fmt.Sprintf("\"%d\"", f.version)
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	f.objects[key] = Object{
		Data:         data,
		Metadata:     metadata,
		LastModified: f.Now(),
		ETag:         etag,
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *Fake) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	key := id(params.Bucket, params.Key)
	if err := f.checkIfMatch(key, params.IfMatch); err != nil {
		return nil, err
	}
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

// checkIfMatch applies an If-Match condition: the object must exist with the
// given ETag. Callers hold f.mu.
func (f *Fake) checkIfMatch(key string, ifMatch *string) error {
	if ifMatch == nil {
		return nil
	}
	obj, ok := f.objects[key]
	if !ok {
		return &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	if obj.ETag != aws.ToString(ifMatch) {
		return preconditionFailed()
	}
	return nil
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}
