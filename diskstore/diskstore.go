// Package diskstore is the content-addressed on-disk tier of the
// pipeline (spec.md §4.4): URL -> fingerprint -> relative path -> bytes,
// using pluggable Identifier/PathLayout/Codec implementations. There is
// no sidecar index; presence of the file IS presence in the store.
package diskstore

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	imagekit "github.com/kestrelimg/imagekit"
)

// Store is a content-addressed disk cache rooted at RootPath.
type Store struct {
	root       string
	identifier imagekit.Identifier
	layout     imagekit.PathLayout
	codec      imagekit.Codec
}

// New builds a Store. root is created on first write if it does not
// already exist. An empty root resolves to the platform cache directory's
// ImageDownloaderStorage subdirectory (spec.md §6).
func New(root string, identifier imagekit.Identifier, layout imagekit.PathLayout, codec imagekit.Codec) *Store {
	if root == "" {
		root = defaultRoot()
	}
	return &Store{root: root, identifier: identifier, layout: layout, codec: codec}
}

// defaultRoot resolves os.UserCacheDir()'s ImageDownloaderStorage
// subdirectory, falling back to a plain relative directory of the same
// name if the platform cache directory cannot be determined (e.g. HOME
// unset).
func defaultRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "ImageDownloaderStorage"
	}
	return filepath.Join(dir, "ImageDownloaderStorage")
}

// ResolvePath returns the absolute path url would be stored at, without
// touching the filesystem.
func (s *Store) ResolvePath(url string) string {
	fp := s.identifier.Identify(url)
	rel := s.layout.Path(url, fp)
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Has reports whether url is currently on disk. A filesystem error other
// than "not exist" is treated as absent; diskstore never surfaces stat
// races as errors.
func (s *Store) Has(url string) bool {
	_, err := os.Stat(s.ResolvePath(url))
	return err == nil
}

// Read loads and decodes url's bitmap. Missing-file is reported as
// imagekit.KindNotFound, matching the rest of the pipeline's not-found
// semantics.
func (s *Store) Read(url string) (imagekit.Bitmap, error) {
	path := s.ResolvePath(url)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, imagekit.NewNotFoundError("not present on disk: " + url)
		}
		return nil, imagekit.NewUnknownError(err)
	}
	bitmap, err := s.codec.Decode(data)
	if err != nil {
		return nil, imagekit.NewDecodeFailedError("corrupt on-disk image: "+url, err)
	}
	return bitmap, nil
}

// Write encodes bitmap and persists it to disk atomically: encode,
// write to a sibling temp file, then rename over the final path so a
// concurrent reader never observes a partial file.
func (s *Store) Write(bitmap imagekit.Bitmap, url string) error {
	data, err := s.codec.Encode(bitmap)
	if err != nil {
		return imagekit.NewDecodeFailedError("failed to encode for disk: "+url, err)
	}

	finalPath := s.ResolvePath(url)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return imagekit.NewUnknownError(err)
	}

	tmp, err := os.CreateTemp(dir, ".imagekit-*.tmp")
	if err != nil {
		return imagekit.NewUnknownError(err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return imagekit.NewUnknownError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return imagekit.NewUnknownError(err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return imagekit.NewUnknownError(err)
	}
	return nil
}

// Remove deletes url's on-disk file, if any. Removing an absent file is
// not an error.
func (s *Store) Remove(url string) error {
	err := os.Remove(s.ResolvePath(url))
	if err != nil && !os.IsNotExist(err) {
		return imagekit.NewUnknownError(err)
	}
	return nil
}

// ClearAll deletes every file under the store's root, fanning out over
// the root's immediate children the way the teacher's content fetcher
// fans out over chunk fetches: one errgroup goroutine per child, with no
// limit on how many run at once, returning the first error.
func (s *Store) ClearAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return imagekit.NewUnknownError(err)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, entry := range entries {
		path := filepath.Join(s.root, entry.Name())
		g.Go(func() error {
			if err := os.RemoveAll(path); err != nil {
				return imagekit.NewUnknownError(err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SizeBytes sums the size of every regular file under the store's root.
func (s *Store) SizeBytes() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, imagekit.NewUnknownError(err)
	}
	return total, nil
}

// FileCount counts the regular files under the store's root.
func (s *Store) FileCount() (int, error) {
	count := 0
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, imagekit.NewUnknownError(err)
	}
	return count, nil
}
