package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Bamington/battleplanapp-sub000/core"
)

func TestUploadAndRemove(t *testing.T) {
	base := t.TempDir()
	store, err := NewObjectStore(base, "http://localhost:3002/storage")
	if err != nil {
		t.Fatalf("NewObjectStore() failed: %v", err)
	}
	ctx := context.Background()

	path, err := store.Upload(ctx, "images", "user-1/1700000000000-abc.jpg", []byte("jpeg"), core.UploadOptions{ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, "images", "user-1", "1700000000000-abc.jpg"))
	if err != nil {
		t.Fatalf("object not written: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("object data = %q", data)
	}

	if got := store.PublicURL("images", path); got != "http://localhost:3002/storage/images/user-1/1700000000000-abc.jpg" {
		t.Errorf("PublicURL() = %q", got)
	}

	if err := store.Remove(ctx, "images", path, "user-1/missing.jpg"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "images", path)); !os.IsNotExist(err) {
		t.Error("Remove() did not delete the object")
	}
}

func TestUpload_NoOverwriteWithoutUpsert(t *testing.T) {
	store, _ := NewObjectStore(t.TempDir(), "")
	ctx := context.Background()

	store.Upload(ctx, "images", "a.png", []byte("1"), core.UploadOptions{})
	_, err := store.Upload(ctx, "images", "a.png", []byte("2"), core.UploadOptions{})
	if !errors.Is(err, core.ErrObjectExists) {
		t.Errorf("Upload() error = %v, want ErrObjectExists", err)
	}
}

func TestUpload_PathTraversal(t *testing.T) {
	store, _ := NewObjectStore(t.TempDir(), "")
	_, err := store.Upload(context.Background(), "images", "../../etc/passwd", []byte("x"), core.UploadOptions{Upsert: true})
	if err == nil {
		t.Error("Upload() should reject a path escaping the bucket")
	}
}
