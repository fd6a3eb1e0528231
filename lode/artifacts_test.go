package lode

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"
)

func TestArtifactStore_UploadAndReadBack(t *testing.T) {
	store := lode.NewMemory()
	arts := NewArtifactStore(Config{Source: "cli"}, sharedFactory(store))

	path, err := arts.Upload(t.Context(), Artifact{
		PluginID:    "demo-plugin",
		RequestID:   "req-42",
		Name:        "result.csv",
		ContentType: "text/csv",
		Data:        []byte("a,b\n1,2\n"),
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	want := "datasets/kilnbox/partitions/source=cli/day=2026-03-01/plugin=demo-plugin/files/req-42/result.csv"
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	rc, err := store.Get(t.Context(), path)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("data = %q, want original content", data)
	}
}

func TestArtifactStore_PluginlessLandsUnderNone(t *testing.T) {
	store := lode.NewMemory()
	arts := NewArtifactStore(Config{}, sharedFactory(store))

	path, err := arts.Upload(t.Context(), Artifact{
		RequestID: "req-1",
		Name:      "out.txt",
		Data:      []byte("x"),
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !matchesPartitionValue(path, "plugin", "none") {
		t.Errorf("path %q missing plugin=none partition", path)
	}
}

func TestArtifactStore_NameValidation(t *testing.T) {
	arts := NewArtifactStore(Config{}, sharedFactory(lode.NewMemory()))

	bad := []string{
		"",
		"../escape.txt",
		"nested/file.txt",
		`win\path.txt`,
		"trick..txt",
	}
	for _, name := range bad {
		if _, err := arts.Upload(t.Context(), Artifact{RequestID: "r", Name: name}); err == nil {
			t.Errorf("Upload(%q) succeeded, want validation error", name)
		}
	}
}

func TestArtifactStore_MissingRequestID(t *testing.T) {
	arts := NewArtifactStore(Config{}, sharedFactory(lode.NewMemory()))

	if _, err := arts.Upload(t.Context(), Artifact{Name: "out.txt"}); err == nil {
		t.Error("Upload without request id succeeded, want error")
	}
}

func TestArtifactStore_FactoryFailureSurfacesAtUpload(t *testing.T) {
	boom := errors.New("bucket unreachable")
	arts := NewArtifactStore(Config{}, func() (lode.Store, error) { return nil, boom })

	_, err := arts.Upload(t.Context(), Artifact{RequestID: "r", Name: "out.txt"})
	if err == nil {
		t.Fatal("expected init error, got nil")
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if storageErr.Op != "init" {
		t.Errorf("Op = %q, want init", storageErr.Op)
	}
}

func TestArtifactStore_UploadFailureClassified(t *testing.T) {
	store := &failingStore{PutErr: errors.New("SlowDown: Rate exceeded")}
	arts := NewArtifactStore(Config{}, sharedFactory(store))

	_, err := arts.Upload(t.Context(), Artifact{RequestID: "r", Name: "out.txt", Data: []byte("x")})
	if err == nil {
		t.Fatal("expected upload error, got nil")
	}
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("expected errors.Is(err, ErrThrottled), got: %v", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if storageErr.Op != "upload" {
		t.Errorf("Op = %q, want upload", storageErr.Op)
	}
	if len(store.PutPaths) != 1 || !matchesPartitionValue(store.PutPaths[0], "source", "cli") {
		t.Errorf("put path = %v, want one path under source=cli", store.PutPaths)
	}
}
