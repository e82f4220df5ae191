// Package local fingerprints and watches a local photo directory.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/fingerprint"
)

// FingerprintCache remembers fingerprints of files whose size and
// modification time have not changed.
type FingerprintCache interface {
	Lookup(ctx context.Context, path string, size int64, modTime time.Time, partSize int64) (string, bool, error)
	Store(ctx context.Context, path string, size int64, modTime time.Time, partSize int64, fp string) error
}

// Walk lists regular files under root with their fingerprints. Keys are
// slash-separated paths relative to root. Hidden files and directories are
// skipped. cache may be nil.
func Walk(ctx context.Context, root string, partSize int64, cache FingerprintCache) ([]domain.RemoteObject, error) {
	var objs []domain.RemoteObject

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		fp, err := fileFingerprint(ctx, path, info, partSize, cache)
		if err != nil {
			return err
		}

		objs = append(objs, domain.RemoteObject{
			Key:         filepath.ToSlash(rel),
			Size:        info.Size(),
			Fingerprint: fp,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return objs, nil
}

func fileFingerprint(ctx context.Context, path string, info fs.FileInfo, partSize int64, cache FingerprintCache) (string, error) {
	if cache != nil {
		fp, ok, err := cache.Lookup(ctx, path, info.Size(), info.ModTime(), partSize)
		if err != nil {
			return "", fmt.Errorf("lookup fingerprint %s: %w", path, err)
		}
		if ok {
			return fp, nil
		}
	}

	fp, err := fingerprint.FromFile(path, partSize)
	if err != nil {
		return "", err
	}

	if cache != nil {
		if err := cache.Store(ctx, path, info.Size(), info.ModTime(), partSize, fp); err != nil {
			return "", fmt.Errorf("store fingerprint %s: %w", path, err)
		}
	}
	return fp, nil
}
