package lode

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
)

// Artifact is one collected output file bound for the store.
type Artifact struct {
	PluginID  string
	RequestID string
	// Name is the artifact filename, relative to the request. It must
	// not contain path separators or "..".
	Name        string
	ContentType string
	Data        []byte
	// CreatedAt sets the day partition. Zero means upload time.
	CreatedAt time.Time
}

// ArtifactStore uploads run artifacts as sidecar files next to the
// analytics dataset. Files land at Hive-partitioned paths under files/,
// bypassing dataset segment/manifest machinery entirely.
type ArtifactStore struct {
	cfg     Config
	factory lode.StoreFactory

	once  sync.Once
	store lode.Store
	err   error
}

// NewArtifactStore creates an artifact store over the given store
// factory. The store itself is opened lazily on first upload.
func NewArtifactStore(cfg Config, factory lode.StoreFactory) *ArtifactStore {
	return &ArtifactStore{cfg: cfg.withDefaults(), factory: factory}
}

// NewFSArtifactStore creates an artifact store rooted at a local
// directory.
func NewFSArtifactStore(cfg Config, root string) *ArtifactStore {
	return NewArtifactStore(cfg, lode.NewFSFactory(root))
}

// Upload writes one artifact and returns the store path it landed at.
// Content type is carried by the caller's report; lode stores do not
// record it.
func (a *ArtifactStore) Upload(ctx context.Context, art Artifact) (string, error) {
	if err := validateArtifactName(art.Name); err != nil {
		return "", err
	}
	if art.RequestID == "" {
		return "", fmt.Errorf("artifact %q has no request id", art.Name)
	}

	store, err := a.getStore()
	if err != nil {
		return "", WrapInitError(err, a.cfg.Dataset)
	}

	path := a.sidecarPath(art)
	if err := store.Put(ctx, path, bytes.NewReader(art.Data)); err != nil {
		return "", WrapUploadError(err, path)
	}
	return path, nil
}

func (a *ArtifactStore) getStore() (lode.Store, error) {
	a.once.Do(func() {
		a.store, a.err = a.factory()
	})
	return a.store, a.err
}

// sidecarPath computes the Hive-partitioned path for an artifact file:
// datasets/<ds>/partitions/source=<s>/day=<d>/plugin=<p>/files/<requestID>/<name>
func (a *ArtifactStore) sidecarPath(art Artifact) string {
	ts := art.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("datasets/%s/partitions/source=%s/day=%s/plugin=%s/files/%s/%s",
		a.cfg.Dataset,
		a.cfg.Source,
		DeriveDay(ts),
		pluginPartition(art.PluginID),
		art.RequestID,
		art.Name,
	)
}

// validateArtifactName rejects names that would escape the files/
// prefix.
func validateArtifactName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("artifact name %q contains path separators or traversal", name)
	}
	return nil
}
