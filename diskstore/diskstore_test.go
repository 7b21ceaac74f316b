package diskstore

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	imagekit "github.com/kestrelimg/imagekit"
	"github.com/kestrelimg/imagekit/codec"
	"github.com/kestrelimg/imagekit/identifier"
	"github.com/kestrelimg/imagekit/pathlayout"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return New(root, identifier.NewStrong(), pathlayout.NewFlat("png"), codec.NewPNG())
}

func testBitmap() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 200, A: 255})
		}
	}
	return img
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	url := "https://x.test/a.png"

	if s.Has(url) {
		t.Fatalf("expected absent before write")
	}
	if err := s.Write(testBitmap(), url); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Has(url) {
		t.Fatalf("expected present after write")
	}

	got, err := s.Read(url)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Bounds().Dx() != 4 || got.Bounds().Dy() != 4 {
		t.Fatalf("unexpected decoded bounds: %v", got.Bounds())
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("https://x.test/missing.png")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if !imagekit.IsNotFound(err) {
		t.Fatalf("expected not_found error for missing file, got %v", err)
	}
	if s.Has("https://x.test/missing.png") {
		t.Fatalf("missing file should not report Has == true")
	}
}

func TestRemoveThenHasIsFalse(t *testing.T) {
	s := newTestStore(t)
	url := "https://x.test/b.png"
	if err := s.Write(testBitmap(), url); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Remove(url); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has(url) {
		t.Fatalf("expected absent after Remove")
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	if err := s.Remove("https://x.test/never-written.png"); err != nil {
		t.Fatalf("Remove of missing file should not error: %v", err)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	s := newTestStore(t)
	url := "https://x.test/c.png"
	if err := s.Write(testBitmap(), url); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(s.ResolvePath(url)))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSizeBytesAndFileCount(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write(testBitmap(), "https://x.test/d.png"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(testBitmap(), "https://x.test/e.png"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	count, err := s.FileCount()
	if err != nil {
		t.Fatalf("FileCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 files, got %d", count)
	}

	size, err := s.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected positive total size, got %d", size)
	}
}

func TestClearAllRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write(testBitmap(), "https://x.test/f.png"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(testBitmap(), "https://other.test/g.png"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	count, err := s.FileCount()
	if err != nil {
		t.Fatalf("FileCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 files after ClearAll, got %d", count)
	}
}

func TestClearAllOnMissingRootIsNotAnError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	s := New(root, identifier.NewStrong(), pathlayout.NewFlat("png"), codec.NewPNG())
	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll on missing root should not error: %v", err)
	}
}

func TestEmptyRootFallsBackToPlatformCacheDir(t *testing.T) {
	s := New("", identifier.NewStrong(), pathlayout.NewFlat("png"), codec.NewPNG())

	wantBase := "ImageDownloaderStorage"
	if dir, err := os.UserCacheDir(); err == nil {
		wantBase = filepath.Join(dir, "ImageDownloaderStorage")
	}
	if s.root != wantBase {
		t.Fatalf("expected empty root to resolve to %q, got %q", wantBase, s.root)
	}
	if got := filepath.Dir(s.ResolvePath("https://x.test/a.png")); got != wantBase {
		t.Fatalf("ResolvePath should be rooted under %q, got %q", wantBase, got)
	}
}
