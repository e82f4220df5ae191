package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"photo_pipeline/internal/fingerprint"
)

type memCache struct {
	entries map[string]string
	lookups int
	stores  int
}

func (c *memCache) key(path string, size int64, modTime time.Time, partSize int64) string {
	return fmt.Sprintf("%s|%d|%d|%d", filepath.Clean(path), size, modTime.UnixNano(), partSize)
}

func (c *memCache) Lookup(_ context.Context, path string, size int64, modTime time.Time, partSize int64) (string, bool, error) {
	c.lookups++
	fp, ok := c.entries[c.key(path, size, modTime, partSize)]
	return fp, ok, nil
}

func (c *memCache) Store(_ context.Context, path string, size int64, modTime time.Time, partSize int64, fp string) error {
	c.stores++
	c.entries[c.key(path, size, modTime, partSize)] = fp
	return nil
}

type LocalTestSuite struct {
	suite.Suite
	dir    string
	logger *slog.Logger
}

func (s *LocalTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocalTestSuite(t *testing.T) {
	suite.Run(t, new(LocalTestSuite))
}

func (s *LocalTestSuite) write(rel string, data []byte) {
	path := filepath.Join(s.dir, rel)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o755))
	s.Require().NoError(os.WriteFile(path, data, 0o644))
}

func (s *LocalTestSuite) TestWalk_SkipsHiddenAndFingerprints() {
	s.write("2024/a.jpg", []byte("aaaa"))
	s.write("b.png", []byte("bbbbbbbbbb"))
	s.write(".hidden.jpg", []byte("x"))
	s.write(".cache/c.jpg", []byte("y"))

	objs, err := Walk(context.Background(), s.dir, 4, nil)
	s.Require().NoError(err)
	s.Require().Len(objs, 2)

	s.Equal("2024/a.jpg", objs[0].Key)
	s.Equal(int64(4), objs[0].Size)
	s.Equal(fingerprint.Compute([]byte("aaaa"), 4), objs[0].Fingerprint)

	s.Equal("b.png", objs[1].Key)
	s.Equal(fingerprint.Compute([]byte("bbbbbbbbbb"), 4), objs[1].Fingerprint)
	s.Equal(3, fingerprint.Parts(objs[1].Fingerprint))
}

func (s *LocalTestSuite) TestWalk_UsesCache() {
	s.write("a.jpg", []byte("aaaa"))
	cache := &memCache{entries: map[string]string{}}

	first, err := Walk(context.Background(), s.dir, 8, cache)
	s.Require().NoError(err)
	second, err := Walk(context.Background(), s.dir, 8, cache)
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(2, cache.lookups)
	s.Equal(1, cache.stores)
}

func (s *LocalTestSuite) TestWalk_MissingRoot() {
	_, err := Walk(context.Background(), filepath.Join(s.dir, "nope"), 8, nil)
	s.Error(err)
}

func (s *LocalTestSuite) TestWatcher_TriggersOnNewImage() {
	var fired atomic.Int32
	w := NewWatcher(s.dir, 20*time.Millisecond, func() { fired.Add(1) }, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(w.Start(ctx))

	s.write("notes.txt", []byte("ignored"))
	s.write("new.jpg", []byte("img"))

	s.Eventually(func() bool { return fired.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
