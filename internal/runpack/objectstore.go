package runpack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

const (
	mediaTypeRunpackConfig   = "application/vnd.decisiongate.runpack.config.v1+json"
	mediaTypeRunpackArtifact = "application/vnd.decisiongate.runpack.artifact.v1+json"
	mediaTypeRunpackManifest = "application/vnd.decisiongate.runpack.v1"
)

// ObjectStoreSink stages a runpack's artifacts as OCI blobs in an
// in-memory content store and, once the manifest is written, packs and
// pushes the whole thing as one OCI artifact to a remote registry
// under a per-tenant-prefixed repository: memory staging store →
// oras.PackManifest → oras.Copy to a remote.Repository, with one
// layer per runpack artifact and each layer's runpack-relative path
// preserved via the OCI title annotation.
type ObjectStoreSink struct {
	store  *memory.Store
	repo   *remote.Repository
	tag    string
	layers []ocispec.Descriptor
}

// ObjectStoreConfig names the remote registry/repository a runpack is
// pushed to or pulled from.
type ObjectStoreConfig struct {
	Registry  string // e.g. "registry.example.com"
	Path      string // repository path, e.g. "decisiongate/runpacks"
	Tenant    string // per-tenant prefix, joined into the repository path
	Tag       string // defaults to "latest"
	PlainHTTP bool
	Username  string
	Password  string
}

func (c ObjectStoreConfig) repositoryRef() string {
	path := c.Path
	if c.Tenant != "" {
		path = fmt.Sprintf("%s/%s", c.Tenant, c.Path)
	}
	return fmt.Sprintf("%s/%s", c.Registry, path)
}

func (c ObjectStoreConfig) repository() (*remote.Repository, error) {
	repo, err := remote.NewRepository(c.repositoryRef())
	if err != nil {
		return nil, dgerr.Wrap(dgerr.Runpack, "connect runpack registry", err)
	}
	repo.PlainHTTP = c.PlainHTTP
	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(c.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}
	return repo, nil
}

func NewObjectStoreSink(cfg ObjectStoreConfig) (*ObjectStoreSink, error) {
	repo, err := cfg.repository()
	if err != nil {
		return nil, err
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "latest"
	}
	return &ObjectStoreSink{store: memory.New(), repo: repo, tag: tag}, nil
}

func (s *ObjectStoreSink) WriteArtifact(ctx context.Context, path string, data []byte) error {
	desc, err := oras.PushBytes(ctx, s.store, mediaTypeRunpackArtifact, data)
	if err != nil {
		return dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("stage artifact %q", path), err)
	}
	desc.Annotations = map[string]string{ocispec.AnnotationTitle: path}
	s.layers = append(s.layers, desc)
	return nil
}

func (s *ObjectStoreSink) WriteManifest(ctx context.Context, manifest Manifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return dgerr.Wrap(dgerr.Internal, "marshal manifest", err)
	}
	configDesc, err := oras.PushBytes(ctx, s.store, mediaTypeRunpackConfig, raw)
	if err != nil {
		return dgerr.Wrap(dgerr.Runpack, "stage manifest config blob", err)
	}

	packOpts := oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           s.layers,
	}
	manifestDesc, err := oras.PackManifest(ctx, s.store, oras.PackManifestVersion1_1, mediaTypeRunpackManifest, packOpts)
	if err != nil {
		return dgerr.Wrap(dgerr.Runpack, "pack runpack manifest", err)
	}
	if err := s.store.Tag(ctx, manifestDesc, s.tag); err != nil {
		return dgerr.Wrap(dgerr.Runpack, "tag runpack manifest", err)
	}

	if _, err := oras.Copy(ctx, s.store, s.tag, s.repo, s.tag, oras.DefaultCopyOptions); err != nil {
		return dgerr.Wrap(dgerr.Runpack, "push runpack to registry", err)
	}
	return nil
}

// Abort is a no-op: nothing reaches the remote registry until
// WriteManifest's final Copy succeeds, so a failed build before that
// point has nothing to undo remotely.
func (s *ObjectStoreSink) Abort(ctx context.Context) {}

func (s *ObjectStoreSink) Close() error { return nil }

// ObjectStoreSource pulls a previously pushed runpack back from the
// registry for offline verification.
type ObjectStoreSource struct {
	repo *remote.Repository
	tag  string
}

func NewObjectStoreSource(cfg ObjectStoreConfig) (*ObjectStoreSource, error) {
	repo, err := cfg.repository()
	if err != nil {
		return nil, err
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "latest"
	}
	return &ObjectStoreSource{repo: repo, tag: tag}, nil
}

func (s *ObjectStoreSource) fetchAll(ctx context.Context) (*memory.Store, ocispec.Manifest, error) {
	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, s.repo, s.tag, store, s.tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, ocispec.Manifest{}, dgerr.Wrap(dgerr.Runpack, "pull runpack from registry", err)
	}
	rc, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, ocispec.Manifest{}, dgerr.Wrap(dgerr.Runpack, "fetch runpack manifest descriptor", err)
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, ocispec.Manifest{}, dgerr.Wrap(dgerr.Runpack, "read runpack manifest descriptor", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, ocispec.Manifest{}, dgerr.Wrap(dgerr.Runpack, "parse OCI manifest", err)
	}
	return store, manifest, nil
}

func (s *ObjectStoreSource) ReadManifest(ctx context.Context) (Manifest, error) {
	store, manifest, err := s.fetchAll(ctx)
	if err != nil {
		return Manifest{}, err
	}
	if manifest.Config.Size == 0 {
		return Manifest{}, dgerr.NewRunpack("pulled OCI manifest has no config blob")
	}
	rc, err := store.Fetch(ctx, manifest.Config)
	if err != nil {
		return Manifest{}, dgerr.Wrap(dgerr.Runpack, "fetch manifest config blob", err)
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return Manifest{}, dgerr.Wrap(dgerr.Runpack, "read manifest config blob", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, dgerr.Wrap(dgerr.Runpack, "decode runpack manifest", err)
	}
	return m, nil
}

func (s *ObjectStoreSource) ReadArtifact(ctx context.Context, path string) ([]byte, error) {
	store, manifest, err := s.fetchAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, layer := range manifest.Layers {
		if layer.Annotations[ocispec.AnnotationTitle] != path {
			continue
		}
		rc, err := store.Fetch(ctx, layer)
		if err != nil {
			return nil, dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("fetch artifact layer %q", path), err)
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("read artifact layer %q", path), err)
		}
		return raw, nil
	}
	return nil, dgerr.NewNotFound(fmt.Sprintf("artifact %q not found in runpack", path))
}
