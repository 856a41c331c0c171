package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// OCIScheme is the scheme of the content-addressed registry backend.
const OCIScheme = "oci"

const (
	ociArtifactType  = "application/vnd.filememo.result.v1"
	ociLayerType     = "application/vnd.filememo.result.layer.v1"
	ociKeyAnnotation = "dev.filememo.key"
)

// OCIConfig configures a registry-backed store.
type OCIConfig struct {
	// Repository is a registry repository reference, e.g. "registry:5000/results".
	Repository string
	PlainHTTP  bool
	Username   string
	Password   string
}

// OCI stores each value as a content-addressed blob in an OCI registry. A
// manifest referencing the blob is tagged with the sha256 of the key, and its
// creation annotation serves as the value's timestamp. Downloads are verified
// against the blob digest.
type OCI struct {
	target oras.Target
}

// NewOCI creates a backend on top of any oras target (a remote repository,
// or an in-memory store in tests).
func NewOCI(target oras.Target) *OCI {
	return &OCI{target: target}
}

// NewOCIRepository connects to a remote registry repository.
func NewOCIRepository(cfg OCIConfig) (*OCI, error) {
	repo, err := remote.NewRepository(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", cfg.Repository, err)
	}
	repo.PlainHTTP = cfg.PlainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if cfg.Username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	repo.Client = client
	return NewOCI(repo), nil
}

func (o *OCI) Scheme() string { return OCIScheme }

// tag maps an arbitrary key onto a valid registry tag.
func tag(key string) string {
	return digest.FromString(key).Encoded()
}

func (o *OCI) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.resolve(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (o *OCI) Timestamp(ctx context.Context, key string) (time.Time, error) {
	manifest, err := o.manifest(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, manifest.Annotations[ocispec.AnnotationCreated])
	if err != nil {
		return time.Time{}, fmt.Errorf("manifest for %q has invalid created annotation: %w", key, err)
	}
	return created, nil
}

func (o *OCI) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	defer f.Close()

	dgst, err := digest.FromReader(f)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", localPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", localPath, err)
	}

	layer := ocispec.Descriptor{
		MediaType: ociLayerType,
		Digest:    dgst,
		Size:      info.Size(),
	}
	if err := o.pushIfMissing(ctx, layer, f); err != nil {
		return o.translateError(err, "upload", key)
	}

	config := ocispec.DescriptorEmptyJSON
	if err := o.pushIfMissing(ctx, config, bytes.NewReader(config.Data)); err != nil {
		return o.translateError(err, "upload", key)
	}
	config.Data = nil

	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ociArtifactType,
		Config:       config,
		Layers:       []ocispec.Descriptor{layer},
		Annotations: map[string]string{
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339Nano),
			ociKeyAnnotation:          key,
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDesc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, manifestJSON)
	if err := o.pushIfMissing(ctx, manifestDesc, bytes.NewReader(manifestJSON)); err != nil {
		return o.translateError(err, "upload", key)
	}
	if err := o.target.Tag(ctx, manifestDesc, tag(key)); err != nil {
		return o.translateError(err, "upload", key)
	}
	return nil
}

func (o *OCI) Download(ctx context.Context, key, localPath string) error {
	manifest, err := o.manifest(ctx, key)
	if err != nil {
		return err
	}
	if len(manifest.Layers) != 1 {
		return fmt.Errorf("manifest for %q has %d layers, want 1", key, len(manifest.Layers))
	}
	layer := manifest.Layers[0]

	rc, err := o.target.Fetch(ctx, layer)
	if err != nil {
		return o.translateError(err, "download", key)
	}
	defer rc.Close()

	verifier := layer.Digest.Verifier()
	r := io.TeeReader(io.LimitReader(rc, layer.Size), verifier)
	if err := writeFile(localPath, &ctxReader{ctx: ctx, r: r}); err != nil {
		return unavailable(OCIScheme, "download", key, err)
	}
	if !verifier.Verified() {
		os.Remove(localPath)
		return fmt.Errorf("content of %q does not match digest %s", key, layer.Digest)
	}
	return nil
}

func (o *OCI) Close() error { return nil }

func (o *OCI) resolve(ctx context.Context, key string) (ocispec.Descriptor, error) {
	desc, err := o.target.Resolve(ctx, tag(key))
	if err != nil {
		return ocispec.Descriptor{}, o.translateError(err, "resolve", key)
	}
	return desc, nil
}

func (o *OCI) manifest(ctx context.Context, key string) (ocispec.Manifest, error) {
	desc, err := o.resolve(ctx, key)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	data, err := content.FetchAll(ctx, o.target, desc)
	if err != nil {
		return ocispec.Manifest{}, o.translateError(err, "fetch manifest", key)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("invalid manifest for %q: %w", key, err)
	}
	return manifest, nil
}

func (o *OCI) pushIfMissing(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	exists, err := o.target.Exists(ctx, desc)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := o.target.Push(ctx, desc, r); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

func (o *OCI) translateError(err error, op, key string) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return notFound(OCIScheme, key)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
		return notFound(OCIScheme, key)
	}
	return unavailable(OCIScheme, op, key, err)
}
