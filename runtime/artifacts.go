package runtime

import (
	"context"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/lode"
	"github.com/pithecene-io/kilnbox/log"
)

// maxArtifactBytes caps one collected file. Larger files are reported
// as failures, not truncated.
const maxArtifactBytes = 1 << 30

// CollectedArtifact is one output file found under the execution's
// artifact directory.
type CollectedArtifact struct {
	// ID is the file path relative to the artifact directory, the
	// stable identifier carried in responses.
	ID string `json:"id"`
	// Path is the absolute location on disk.
	Path string `json:"path"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// ContentType is derived from the file extension, best effort.
	ContentType string `json:"contentType,omitempty"`
	// StorePath is where the upload landed, when uploads are on.
	StorePath string `json:"storePath,omitempty"`
}

// ArtifactFailure is one file that could not be collected. Collection
// failures never fail the execution.
type ArtifactFailure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// CollectRequest scopes one collection pass.
type CollectRequest struct {
	// OutDir is the artifact directory. Empty means nothing to do.
	OutDir string
	// Patterns filters files by doublestar match against the path
	// relative to OutDir. Empty collects everything.
	Patterns []string
	// Upload pushes collected files to the artifact store.
	Upload    bool
	PluginID  string
	RequestID string
}

// ArtifactCollector walks artifact directories after executions and
// optionally uploads what it finds.
type ArtifactCollector struct {
	store  *lode.ArtifactStore
	logger *log.Logger
}

// NewArtifactCollector builds a collector. A nil store disables
// uploads; collection still works.
func NewArtifactCollector(store *lode.ArtifactStore, logger *log.Logger) *ArtifactCollector {
	if logger == nil {
		logger = log.Nop()
	}
	return &ArtifactCollector{store: store, logger: logger}
}

// Collect walks req.OutDir and returns every matching regular file.
// Failures come back alongside the successes; the caller decides what
// to emit for them.
func (c *ArtifactCollector) Collect(ctx context.Context, req CollectRequest) ([]CollectedArtifact, []ArtifactFailure) {
	if req.OutDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(req.OutDir); os.IsNotExist(err) {
		return nil, nil
	}

	var collected []CollectedArtifact
	var failed []ArtifactFailure

	_ = filepath.WalkDir(req.OutDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			failed = append(failed, ArtifactFailure{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(req.OutDir, path)
		if err != nil {
			failed = append(failed, ArtifactFailure{Path: path, Err: err})
			return nil
		}
		if !matchesAny(req.Patterns, filepath.ToSlash(rel)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			failed = append(failed, ArtifactFailure{Path: path, Err: err})
			return nil
		}
		if info.Size() > maxArtifactBytes {
			failed = append(failed, ArtifactFailure{
				Path: path,
				Err:  fault.Errorf(fault.KindValidation, "artifact exceeds %d bytes", int64(maxArtifactBytes)),
			})
			return nil
		}

		art := CollectedArtifact{
			ID:          filepath.ToSlash(rel),
			Path:        path,
			Size:        info.Size(),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
		}
		if req.Upload && c.store != nil {
			storePath, err := c.upload(ctx, req, art)
			if err != nil {
				failed = append(failed, ArtifactFailure{Path: path, Err: err})
				return nil
			}
			art.StorePath = storePath
		}
		collected = append(collected, art)
		return nil
	})

	if len(collected) > 0 || len(failed) > 0 {
		c.logger.Debug("artifact collection finished", map[string]any{
			"outdir":    req.OutDir,
			"collected": len(collected),
			"failed":    len(failed),
		})
	}
	return collected, failed
}

func (c *ArtifactCollector) upload(ctx context.Context, req CollectRequest, art CollectedArtifact) (string, error) {
	data, err := os.ReadFile(art.Path)
	if err != nil {
		return "", err
	}
	return c.store.Upload(ctx, lode.Artifact{
		PluginID:    req.PluginID,
		RequestID:   req.RequestID,
		Name:        flattenArtifactName(art.ID),
		ContentType: art.ContentType,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	})
}

// matchesAny reports whether rel matches one of the doublestar
// patterns. No patterns means everything matches. Malformed patterns
// never match.
func matchesAny(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// flattenArtifactName maps a relative path to a store-safe name: the
// store rejects separators, so nested paths flatten with double
// underscores.
func flattenArtifactName(rel string) string {
	out := make([]byte, 0, len(rel)+4)
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			out = append(out, '_', '_')
			continue
		}
		out = append(out, rel[i])
	}
	return string(out)
}
