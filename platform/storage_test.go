package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage_PutGetList(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	ctx := t.Context()

	if err := store.Put(ctx, "reports/2026/out.json", []byte(`{"ok":true}`), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "reports/2026/raw.txt", []byte("raw"), ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "other.bin", []byte{1, 2}, ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := store.Get(ctx, "reports/2026/out.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Get = %s, want original bytes", data)
	}

	infos, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "reports/2026/out.json" {
		t.Errorf("List = %+v, want the two report blobs sorted", infos)
	}

	if err := store.Delete(ctx, "other.bin"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "other.bin"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get after delete = %v, want ErrBlobNotFound", err)
	}
	// Deleting a missing blob is not an error.
	if err := store.Delete(ctx, "other.bin"); err != nil {
		t.Errorf("repeat Delete failed: %v", err)
	}
}

func TestLocalStorage_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStorage(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	if err := store.Put(t.Context(), "../escape.txt", []byte("x"), ""); err == nil {
		t.Fatal("Put accepted a traversal key")
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal key escaped the store root")
	}
	if _, err := store.Get(t.Context(), "../../etc/passwd"); err == nil {
		t.Fatal("Get accepted a traversal key")
	}
}

func TestMemoryStorage_RoundTrip(t *testing.T) {
	store := NewMemoryStorage()
	ctx := t.Context()

	payload := []byte("blob")
	if err := store.Put(ctx, "k", payload, "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	payload[0] = 'X' // caller mutation must not reach the store

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "blob" {
		t.Errorf("Get = %q, want insulated copy %q", got, "blob")
	}

	infos, err := store.List(ctx, "")
	if err != nil || len(infos) != 1 {
		t.Fatalf("List = (%v, %v), want one blob", infos, err)
	}
	if infos[0].ContentType != "text/plain" {
		t.Errorf("content type = %q, want text/plain", infos[0].ContentType)
	}
}
