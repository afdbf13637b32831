package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"golang.org/x/sync/errgroup"
)

func newTestFile(t *testing.T, opts ...Option) (*fileCache, *fakeClock, *logger.TestLogger) {
	t.Helper()
	clock := newFakeClock()
	log := logger.NewTestLogger()
	c, err := NewFile(t.TempDir(), append(testOptions(clock, log), opts...)...)
	require.NoError(t, err)
	return c.(*fileCache), clock, log
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestFileLayout(t *testing.T) {
	c, _, _ := newTestFile(t)
	p, err := c.path(NewKey("user:1", "app", "users"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, "app", "users", "user:1.cache"), p)

	c, _, _ = newTestFile(t, WithHashedDirectoryLevel(2), WithSuffix(".bin"))
	hash := md5Hex("x.bin")
	p, err = c.path(NewKey("x", "ns"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, "ns", "_"+hash[0:1], "_"+hash[1:2], "x.bin"), p)

	c, _, _ = newTestFile(t, WithFilenameProtection(true), WithHashedDirectoryLevel(1))
	name := md5Hex("a/b") + ".cache"
	hash = md5Hex(name)
	p, err = c.path(NewKey("a/b"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, "_"+hash[0:1], name), p)
}

func TestFileFormatOnDisk(t *testing.T) {
	c, clock, _ := newTestFile(t)
	ctx := context.Background()
	key := NewKey("entry")
	require.NoError(t, c.Set(ctx, key, []byte("payload"), time.Minute))

	p, err := c.path(key)
	require.NoError(t, err)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)

	now := clock.Now().Unix()
	want := fmt.Sprintf("%012d%012dpayload", now+60, now)
	assert.Equal(t, want, string(raw))

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Empty(t, filterTemp(listFiles(t, c.dir)))
}

func filterTemp(files []string) []string {
	var out []string
	for _, f := range files {
		if isTempName(filepath.Base(f)) {
			out = append(out, f)
		}
	}
	return out
}

func TestFileUnsafeIdentifier(t *testing.T) {
	c, _, _ := newTestFile(t)
	ctx := context.Background()
	for _, id := range []string{"a/b", "..", "."} {
		err := c.Set(ctx, NewKey(id), []byte("v"), time.Minute)
		assert.ErrorIs(t, err, ErrInvalidKey, id)
	}
}

func TestFileFilenameProtection(t *testing.T) {
	c, _, _ := newTestFile(t, WithFilenameProtection(true))
	ctx := context.Background()
	key := NewKey("https://example.com/a?b=c", "urls")
	require.NoError(t, c.Set(ctx, key, []byte("page"), time.Minute))
	got, found := c.Get(ctx, key)
	assert.True(t, found)
	assert.Equal(t, []byte("page"), got)

	files := listFiles(t, c.dir)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join("urls", md5Hex(key.ID)+".cache"), files[0])

	err := c.RemovePattern(ctx, "urls", "**")
	assert.ErrorIs(t, err, ErrPatternUnsupported)
	assert.True(t, c.Has(ctx, key))
}

func TestFileShortAndGarbageFiles(t *testing.T) {
	c, _, log := newTestFile(t)
	ctx := context.Background()
	short, garbage := NewKey("short"), NewKey("garbage")
	shortPath, _ := c.path(short)
	garbagePath, _ := c.path(garbage)
	require.NoError(t, os.WriteFile(shortPath, []byte("0000"), 0o644))
	require.NoError(t, os.WriteFile(garbagePath, []byte("not a cache header at all, really"), 0o644))

	for _, key := range []Key{short, garbage} {
		_, found := c.Get(ctx, key)
		assert.False(t, found, key.ID)
		assert.False(t, c.Has(ctx, key), key.ID)
		assert.True(t, c.GetTimeout(ctx, key).IsZero())
	}
	assert.Greater(t, log.Count("WARNING", "header"), 0)

	require.NoError(t, c.Clean(ctx, "", ModeOld))
	assert.NoFileExists(t, shortPath)
	assert.NoFileExists(t, garbagePath)
}

func TestFileReadControlDetectsCorruption(t *testing.T) {
	c, _, log := newTestFile(t, WithReadControl(true))
	ctx := context.Background()
	key := NewKey("guarded")
	require.NoError(t, c.Set(ctx, key, []byte("precious payload"), time.Minute))

	p, _ := c.path(key)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Len(t, raw, headerLen+1+checksumLen+len("precious payload"))

	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	_, found := c.Get(ctx, key)
	assert.False(t, found)
	assert.Equal(t, 1, log.Count("WARNING", "checksum mismatch"))

	assert.False(t, c.Has(ctx, key))
	assert.Equal(t, 2, log.Count("WARNING", "checksum mismatch"))
	assert.False(t, c.Has(ctx, key, AllowExpired()))
}

func TestFileHasSkipsChecksumWithoutReadControl(t *testing.T) {
	c, _, _ := newTestFile(t)
	ctx := context.Background()
	key := NewKey("plain")
	require.NoError(t, c.Set(ctx, key, []byte("payload"), time.Minute))

	p, _ := c.path(key)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	// without a checksum there is nothing to detect
	assert.True(t, c.Has(ctx, key))
}

func TestFileWriteControlFailure(t *testing.T) {
	c, _, _ := newTestFile(t, WithWriteControl(true))
	ctx := context.Background()
	key := NewKey("verified")
	c.rename = func(oldpath, newpath string) error {
		if err := os.WriteFile(newpath, []byte("something else entirely"), filePerm); err != nil {
			return err
		}
		return os.Remove(oldpath)
	}

	err := c.Set(ctx, key, []byte("expected"), time.Minute)
	assert.ErrorIs(t, err, ErrIntegrity)
	p, _ := c.path(key)
	assert.NoFileExists(t, p)
	_, found := c.Get(ctx, key)
	assert.False(t, found)
}

func TestFileCopyFallback(t *testing.T) {
	c, _, _ := newTestFile(t)
	ctx := context.Background()
	key := NewKey("replaced")
	require.NoError(t, c.Set(ctx, key, []byte("old"), time.Minute))

	c.rename = func(string, string) error { return errors.New("rename not permitted") }
	require.NoError(t, c.Set(ctx, key, []byte("new and longer"), time.Minute))

	got, found := c.Get(ctx, key)
	assert.True(t, found)
	assert.Equal(t, []byte("new and longer"), got)
	assert.Empty(t, filterTemp(listFiles(t, c.dir)))

	// without an existing target there is nothing to copy over
	err := c.Set(ctx, NewKey("fresh"), []byte("v"), time.Minute)
	assert.Error(t, err)
	assert.Empty(t, filterTemp(listFiles(t, c.dir)))
}

func TestFileSweepsStaleTempFiles(t *testing.T) {
	c, clock, _ := newTestFile(t)
	ctx := context.Background()
	stale := filepath.Join(c.dir, ".stale"+tempSuffix)
	fresh := filepath.Join(c.dir, ".fresh"+tempSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	old := clock.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	now := clock.Now()
	require.NoError(t, os.Chtimes(fresh, now, now))

	require.NoError(t, c.Clean(ctx, "", ModeOld))
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestFileCleanAllKeepsRoot(t *testing.T) {
	c, _, _ := newTestFile(t, WithHashedDirectoryLevel(1))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, NewKey("a"), []byte("v"), time.Minute))
	require.NoError(t, c.Set(ctx, NewKey("b", "ns", "deep"), []byte("v"), time.Minute))

	require.NoError(t, c.Clean(ctx, "", ModeAll))
	assert.DirExists(t, c.dir)
	assert.Empty(t, listFiles(t, c.dir))

	// cleaning a namespace that was never written succeeds
	assert.NoError(t, c.Clean(ctx, "never", ModeAll))
	assert.NoError(t, c.Clean(ctx, "never", ModeOld))
	assert.NoError(t, c.RemovePattern(ctx, "never", "*"))
}

func TestFileUsage(t *testing.T) {
	c, _, _ := newTestFile(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, NewKey("a"), []byte("1234"), time.Minute))
	require.NoError(t, c.Set(ctx, NewKey("b", "ns"), []byte("12345678"), time.Minute))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, ".orphan"+tempSuffix), []byte("x"), 0o644))

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Entries)
	assert.Equal(t, int64(2*headerLen+12), u.Bytes)
	assert.Equal(t, c.dir, u.Location)
}

func TestFileConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o644))

	_, err := NewFile(notDir)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(filepath.Join(notDir, "below"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile("")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(dir, WithHashedDirectoryLevel(-1))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(dir, WithHashedDirectoryLevel(33))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(dir, WithSuffix("/x"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(dir, WithSuffix(""))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewFile(dir, WithSuffix(".x"+tempSuffix))
	assert.ErrorIs(t, err, ErrConfiguration)

	c, err := NewFile(filepath.Join(dir, "created", "nested"))
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.DirExists(t, filepath.Join(dir, "created", "nested"))
}

func TestFileReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := NewFile(dir)
	assert.ErrorIs(t, err, ErrConfiguration)
}

// Several engines sharing one directory stand in for several processes.
func TestFileSharedDirectory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := NewKey("contended", "shared")
	payloads := make([][]byte, 6)
	for i := range payloads {
		payloads[i] = []byte(strings.Repeat(fmt.Sprintf("%d", i), 8192*(i+1)))
	}

	var g errgroup.Group
	for i := range payloads {
		c, err := NewFile(dir, WithCleaningFactor(0), WithLogger(logger.NewTestLogger()))
		require.NoError(t, err)
		g.Go(func() error {
			for n := 0; n < 25; n++ {
				if err := c.Set(ctx, key, payloads[i], time.Minute); err != nil {
					return err
				}
				got, found := c.Get(ctx, key)
				if found && !isOneOf(got, payloads) {
					return fmt.Errorf("engine %d read a torn payload of %d bytes", i, len(got))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Empty(t, filterTemp(listFiles(t, dir)))
}

// rootIDInShard returns an identifier whose root entry lands in the level 1
// shard directory named after digit.
func rootIDInShard(t *testing.T, digit byte) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("entry-%d", i)
		if md5Hex(id + ".cache")[0] == digit {
			return id
		}
	}
	t.Fatalf("no identifier hashes to shard %c", digit)
	return ""
}

func TestFileShardDirectoriesAreNotNamespaces(t *testing.T) {
	c, _, _ := newTestFile(t, WithHashedDirectoryLevel(1))
	ctx := context.Background()
	root := NewKey(rootIDInShard(t, 'a'))
	nested := NewKey("x", "a")
	require.NoError(t, c.Set(ctx, root, []byte("root"), time.Minute))
	require.NoError(t, c.Set(ctx, nested, []byte("nested"), time.Minute))

	p, _ := c.path(root)
	assert.Equal(t, filepath.Join(c.dir, "_a", root.ID+".cache"), p)

	require.NoError(t, c.Clean(ctx, "a", ModeAll))
	got, found := c.Get(ctx, root)
	assert.True(t, found)
	assert.Equal(t, []byte("root"), got)
	assert.False(t, c.Has(ctx, nested))

	require.NoError(t, c.RemovePattern(ctx, "", "*"))
	assert.False(t, c.Has(ctx, root))
}

func TestFileReservedNamespaceSegments(t *testing.T) {
	c, _, _ := newTestFile(t)
	ctx := context.Background()
	root := NewKey("x")
	require.NoError(t, c.Set(ctx, root, []byte("root"), time.Minute))

	for _, ns := range []Namespace{"y/x.cache", "x.cache", "_a", "ns/_f", ".pending" + tempSuffix} {
		err := c.Set(ctx, Key{Namespace: ns, ID: "k"}, []byte("v"), time.Minute)
		assert.ErrorIs(t, err, ErrInvalidKey, string(ns))
		assert.ErrorIs(t, c.Clean(ctx, ns, ModeAll), ErrInvalidKey, string(ns))
		assert.ErrorIs(t, c.RemovePattern(ctx, ns, "*"), ErrInvalidKey, string(ns))
		_, found := c.Get(ctx, Key{Namespace: ns, ID: "k"})
		assert.False(t, found, string(ns))
	}

	got, found := c.Get(ctx, root)
	assert.True(t, found)
	assert.Equal(t, []byte("root"), got)

	// names that only resemble reserved ones stay usable
	for _, ns := range []Namespace{"a", "_", "_g", "_ab", "cache"} {
		assert.NoError(t, c.Set(ctx, Key{Namespace: ns, ID: "k"}, []byte("v"), time.Minute), string(ns))
	}
}

func TestFileSweepKeepsReplacedEntry(t *testing.T) {
	c, clock, _ := newTestFile(t)
	ctx := context.Background()
	key := NewKey("busy")
	require.NoError(t, c.Set(ctx, key, []byte("old"), time.Second))
	clock.Advance(2 * time.Second)

	var replaced bool
	c.remove = func(p string, checked fs.FileInfo) bool {
		if !replaced {
			replaced = true
			require.NoError(t, c.Set(ctx, key, []byte("fresh"), time.Hour))
		}
		return removeChecked(p, checked)
	}
	require.NoError(t, c.Clean(ctx, "", ModeOld))
	assert.True(t, replaced)

	got, found := c.Get(ctx, key)
	assert.True(t, found)
	assert.Equal(t, []byte("fresh"), got)

	// an unchanged expired entry is still removed
	clock.Advance(2 * time.Hour)
	require.NoError(t, c.Clean(ctx, "", ModeOld))
	p, _ := c.path(key)
	assert.NoFileExists(t, p)
}

func TestFileErrorsMatchStandardLibrary(t *testing.T) {
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o644))

	_, err := NewFile(notDir)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, stderrors.Is(err, ErrIntegrity))

	// wrapping again keeps the mark visible
	wrapped := fmt.Errorf("startup: %w", errors.Wrap(err, "open"))
	assert.True(t, stderrors.Is(wrapped, ErrConfiguration))
	assert.True(t, errors.Is(wrapped, ErrConfiguration))

	c, _, _ := newTestFile(t, WithWriteControl(true))
	c.rename = func(oldpath, newpath string) error {
		if err := os.WriteFile(newpath, []byte("other"), filePerm); err != nil {
			return err
		}
		return os.Remove(oldpath)
	}
	err = c.Set(context.Background(), NewKey("k"), []byte("v"), time.Minute)
	assert.True(t, stderrors.Is(err, ErrIntegrity))
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.False(t, stderrors.Is(err, ErrConfiguration))
}

type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func TestFileDegradedReadsReachOtelLogs(t *testing.T) {
	exporter := &recordingExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	defer provider.Shutdown(context.Background())

	log := logger.NewOtelLogger(provider.Logger("cache"), logger.LevelWarn)
	c, err := NewFile(t.TempDir(), WithLogger(log), WithReadControl(true), WithCleaningFactor(0))
	require.NoError(t, err)
	ctx := context.Background()
	key := NewKey("guarded", "otel")
	require.NoError(t, c.Set(ctx, key, []byte("payload"), time.Minute))

	p, err := c.(*fileCache).path(key)
	require.NoError(t, err)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	_, found := c.Get(ctx, key)
	assert.False(t, found)

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	require.Len(t, exporter.records, 1)
	body := exporter.records[0].Body().AsString()
	assert.True(t, strings.HasPrefix(body, "[cache:file] ignoring "), body)
	assert.Contains(t, body, "checksum mismatch")
	assert.Equal(t, otellog.SeverityWarn, exporter.records[0].Severity())
}
