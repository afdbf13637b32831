package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	filePerm      = 0o666
	dirPerm       = 0o777
	tempSuffix    = ".tmp"
	staleTempAge  = time.Hour
	maxShardLevel = 32
	shardPrefix   = "_"
)

// fileCache maps every key to one file under dir:
//
//	dir/<namespace segments>/<shard dirs>/<id or md5(id)><suffix>
//
// Each shard directory is shardPrefix followed by one hex digit of
// md5(filename), so a hashed directory level of N spreads a namespace over up
// to 16^N directories. Namespace segments that could be mistaken for a shard
// directory, an entry file or a temp file are rejected.
type fileCache struct {
	dir string
	cfg config
	log logger.Logger

	// rename moves a finished temp file into place.
	rename func(oldpath, newpath string) error
	// remove deletes a swept file if it has not changed since it was checked.
	remove func(p string, checked fs.FileInfo) bool
}

var _ Cache = (*fileCache)(nil)

// NewFile returns a Cache storing one file per entry below dir. The directory
// is created if needed; an unusable directory is reported as an error marked
// with ErrConfiguration.
func NewFile(dir string, opts ...Option) (Cache, error) {
	cfg := applyOptions(opts)
	if dir == "" {
		return nil, configurationError(errors.New("no cache directory"), "cache: file engine")
	}
	if cfg.hashedDirLevel < 0 || cfg.hashedDirLevel > maxShardLevel {
		return nil, configurationError(errors.Newf("hashed directory level %d out of range [0,%d]", cfg.hashedDirLevel, maxShardLevel), "cache: file engine")
	}
	if cfg.suffix == "" || strings.ContainsAny(cfg.suffix, "/\\") || strings.HasSuffix(cfg.suffix, tempSuffix) {
		return nil, configurationError(errors.Newf("invalid suffix %q", cfg.suffix), "cache: file engine")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, configurationError(err, "cache: failed to resolve %s", dir)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, configurationError(err, "cache: failed to create cache directory %s", abs)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, configurationError(err, "cache: failed to stat cache directory %s", abs)
	}
	if !info.IsDir() {
		return nil, configurationError(errors.Newf("%s is not a directory", abs), "cache: file engine")
	}
	tmp, err := os.CreateTemp(abs, ".writable-*"+tempSuffix)
	if err != nil {
		return nil, configurationError(err, "cache: cache directory %s is not writable", abs)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	return &fileCache{
		dir:    abs,
		cfg:    cfg,
		log:    cfg.logger.WithPrefix("[cache:file]"),
		rename: os.Rename,
		remove: removeChecked,
	}, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func shardName(hash string, level int) string {
	return shardPrefix + hash[level:level+1]
}

func isShardName(name string) bool {
	return len(name) == len(shardPrefix)+1 && strings.HasPrefix(name, shardPrefix) &&
		strings.ContainsAny(name[len(shardPrefix):], "0123456789abcdef")
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix)
}

// checkNamespace validates ns and rejects segments the engine reserves for its
// own files.
func (c *fileCache) checkNamespace(ns Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	for _, seg := range ns.Segments() {
		if isShardName(seg) || isTempName(seg) || strings.HasSuffix(seg, c.cfg.suffix) {
			return errors.Wrapf(ErrInvalidKey, "namespace segment %q is reserved by the file engine", seg)
		}
	}
	return nil
}

func (c *fileCache) namespaceDir(ns Namespace) string {
	return filepath.Join(append([]string{c.dir}, ns.Segments()...)...)
}

func (c *fileCache) filename(id string) string {
	if c.cfg.filenameProtection {
		return md5Hex(id) + c.cfg.suffix
	}
	return id + c.cfg.suffix
}

// path returns the file holding key.
func (c *fileCache) path(key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if err := c.checkNamespace(key.Namespace); err != nil {
		return "", err
	}
	if !c.cfg.filenameProtection {
		if key.ID == "." || key.ID == ".." || strings.ContainsAny(key.ID, "/\\\x00") {
			return "", errors.Wrapf(ErrInvalidKey, "identifier %q is not a safe file name, enable filename protection", key.ID)
		}
	}
	name := c.filename(key.ID)
	parts := append([]string{c.dir}, key.Namespace.Segments()...)
	if c.cfg.hashedDirLevel > 0 {
		hash := md5Hex(name)
		for i := 0; i < c.cfg.hashedDirLevel; i++ {
			parts = append(parts, shardName(hash, i))
		}
	}
	parts = append(parts, name)
	return filepath.Join(parts...), nil
}

// read loads the header and, when withPayload is set, the payload of key.
// Every failure is a miss.
func (c *fileCache) read(key Key, withPayload bool, allowExpired bool) (fileHeader, []byte, bool) {
	p, err := c.path(key)
	if err != nil {
		c.log.Debug("skipping read of %s: %v", key, err)
		return fileHeader{}, nil, false
	}
	unlock := c.sharedLock(p)
	defer unlock()

	f, err := os.Open(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("failed to open %s: %v", p, err)
		}
		return fileHeader{}, nil, false
	}
	defer f.Close()

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		c.log.Warn("failed to read header of %s: %v", p, err)
		return fileHeader{}, nil, false
	}
	h, err := decodeHeader(buf)
	if err != nil {
		c.log.Warn("ignoring %s: %v", p, err)
		return fileHeader{}, nil, false
	}
	if !allowExpired && !h.valid(c.cfg.now()) {
		return fileHeader{}, nil, false
	}
	if !withPayload {
		return h, nil, true
	}
	body, err := io.ReadAll(f)
	if err != nil {
		c.log.Warn("failed to read %s: %v", p, err)
		return fileHeader{}, nil, false
	}
	payload, err := decodeBody(body, c.cfg.readControl)
	if err != nil {
		c.log.Warn("ignoring %s: %v", p, err)
		return fileHeader{}, nil, false
	}
	return h, payload, true
}

func (c *fileCache) Get(_ context.Context, key Key, opts ...ReadOption) ([]byte, bool) {
	_, payload, ok := c.read(key, true, resolveRead(opts).allowExpired)
	return payload, ok
}

func (c *fileCache) Has(_ context.Context, key Key, opts ...ReadOption) bool {
	_, _, ok := c.read(key, c.cfg.readControl, resolveRead(opts).allowExpired)
	return ok
}

func (c *fileCache) GetMany(ctx context.Context, keys []Key) map[Key][]byte {
	out := make(map[Key][]byte, len(keys))
	for _, key := range keys {
		if payload, ok := c.Get(ctx, key); ok {
			out[key] = payload
		}
	}
	return out
}

func (c *fileCache) GetLastModified(_ context.Context, key Key) time.Time {
	h, _, ok := c.read(key, false, false)
	if !ok {
		return time.Time{}
	}
	return unixTime(h.lastModified)
}

func (c *fileCache) GetTimeout(_ context.Context, key Key) time.Time {
	h, _, ok := c.read(key, false, false)
	if !ok {
		return time.Time{}
	}
	return unixTime(h.expiry)
}

func (c *fileCache) Set(ctx context.Context, key Key, payload []byte, lifetime time.Duration) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	now := c.cfg.now()
	content := encodeEntry(fileHeader{expiry: c.cfg.expiry(now, lifetime), lastModified: now}, payload, c.cfg.readControl)
	if err := c.writeFile(p, content); err != nil {
		return errors.Wrapf(err, "cache: failed to write %s", key)
	}
	if c.cfg.writeControl {
		if err := c.verify(p, content); err != nil {
			os.Remove(p)
			return errors.Wrapf(err, "cache: failed to write %s", key)
		}
	}
	maybeSweep(ctx, c, c.cfg)
	return nil
}

// mkdirAll creates dir and normalizes the permissions of every directory
// between it and the cache root so other processes can write there too.
func (c *fileCache) mkdirAll(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}
	for d := dir; d != c.dir && strings.HasPrefix(d, c.dir); d = filepath.Dir(d) {
		_ = os.Chmod(d, dirPerm)
	}
	return nil
}

// writeFile replaces target with content. The content is written to a temp
// file in the same directory and renamed over the target, so readers see
// either the old or the new file, never a partial one.
func (c *fileCache) writeFile(target string, content []byte) error {
	dir := filepath.Dir(target)
	if err := c.mkdirAll(dir); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	_, werr := f.Write(content)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return errors.Wrap(werr, "failed to write temp file")
	}
	_ = os.Chmod(tmp, filePerm)

	if err := c.rename(tmp, target); err != nil {
		if _, statErr := os.Stat(target); statErr != nil {
			os.Remove(tmp)
			return errors.Wrap(err, "failed to rename temp file")
		}
		c.log.Debug("rename over %s failed, copying in place: %v", target, err)
		return c.copyInPlace(tmp, target)
	}
	return nil
}

// copyInPlace overwrites target with the content of tmp and deletes tmp. It is
// used where a rename cannot replace an existing file. The target is written
// under an exclusive lock, but a reader running without locks may observe a
// partially written file.
func (c *fileCache) copyInPlace(tmp, target string) error {
	defer os.Remove(tmp)

	src, err := os.Open(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to reopen temp file")
	}
	defer src.Close()

	unlock := c.exclusiveLock(target)
	defer unlock()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.Wrap(err, "failed to open target")
	}
	_, werr := io.Copy(dst, src)
	if werr == nil {
		werr = dst.Sync()
	}
	if cerr := dst.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return errors.Wrap(werr, "failed to copy temp file")
	}
	_ = os.Chmod(target, filePerm)
	return nil
}

// verify re-reads path and compares it with what was written.
func (c *fileCache) verify(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return withMark(errors.Wrap(err, "failed to re-read entry"), ErrIntegrity)
	}
	if !bytes.Equal(got, want) {
		return withMark(errors.Newf("read back %d bytes, wrote %d", len(got), len(want)), ErrIntegrity)
	}
	return nil
}

func (c *fileCache) Remove(_ context.Context, key Key) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "cache: failed to remove %s", key)
	}
	return nil
}

func (c *fileCache) RemovePattern(ctx context.Context, ns Namespace, pattern string) error {
	if c.cfg.filenameProtection {
		return errors.Wrap(ErrPatternUnsupported, "identifiers are hashed")
	}
	if err := c.checkNamespace(ns); err != nil {
		return err
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return err
	}
	root := c.namespaceDir(ns)
	level := c.cfg.hashedDirLevel
	var errs error
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			errs = errors.CombineErrors(errs, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return nil
		}
		depth := strings.Count(p[len(root):], string(filepath.Separator))
		if d.IsDir() {
			// anything that is not a shard directory is a nested namespace
			if depth > level || !isShardName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if depth != level+1 || isTempName(name) || !strings.HasSuffix(name, c.cfg.suffix) {
			return nil
		}
		if re.MatchString(strings.TrimSuffix(name, c.cfg.suffix)) {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = errors.CombineErrors(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "cache: failed to remove pattern %q", pattern)
	}
	if errs != nil {
		return errors.Wrapf(errs, "cache: failed to remove pattern %q", pattern)
	}
	return nil
}

func (c *fileCache) Clean(ctx context.Context, ns Namespace, mode Mode) error {
	if err := c.checkNamespace(ns); err != nil {
		return err
	}
	dir := c.namespaceDir(ns)
	var err error
	if mode == ModeAll {
		err = c.removeAll(ns, dir)
	} else {
		err = c.sweep(ctx, dir)
	}
	if err != nil {
		return errors.Wrapf(err, "cache: failed to clean %q (%s)", ns, mode)
	}
	return nil
}

// removeAll deletes a namespace subtree. The root directory itself is kept.
func (c *fileCache) removeAll(ns Namespace, dir string) error {
	if ns != "" {
		return os.RemoveAll(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// sweep deletes expired or unreadable entries below dir, along with temp
// files left behind by interrupted writes.
func (c *fileCache) sweep(ctx context.Context, dir string) error {
	now := c.cfg.clock.Now()
	var removed int
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn("sweep skipped %s: %v", p, err)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		var checked fs.FileInfo
		switch {
		case isTempName(name):
			info, err := d.Info()
			if err != nil || now.Sub(info.ModTime()) < staleTempAge {
				return nil
			}
			checked = info
		case strings.HasSuffix(name, c.cfg.suffix):
			info, expired := c.expired(p, now.Unix())
			if !expired {
				return nil
			}
			checked = info
		default:
			return nil
		}
		if c.remove(p, checked) {
			removed++
		}
		return nil
	})
	if removed > 0 {
		c.log.Debug("swept %d entries from %s", removed, dir)
	}
	return err
}

// expired reports whether the file at p is expired or not a valid entry,
// along with the file it inspected.
func (c *fileCache) expired(p string, now int64) (fs.FileInfo, bool) {
	f, err := os.Open(p)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, false
	}
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return info, true
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return info, true
	}
	return info, !h.valid(now)
}

// removeChecked deletes p only if it is still the file described by checked.
// A writer renaming a fresh entry into place after the check keeps its entry;
// one replacing it between the second stat and the unlink can still lose it.
func removeChecked(p string, checked fs.FileInfo) bool {
	current, err := os.Lstat(p)
	if err != nil || !os.SameFile(checked, current) ||
		!current.ModTime().Equal(checked.ModTime()) || current.Size() != checked.Size() {
		return false
	}
	return os.Remove(p) == nil
}

// Usage counts the entry files under the cache directory and their size.
func (c *fileCache) Usage(ctx context.Context) (Usage, error) {
	u := Usage{Location: c.dir}
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || isTempName(d.Name()) || !strings.HasSuffix(d.Name(), c.cfg.suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		u.Entries++
		u.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return u, errors.Wrapf(err, "cache: failed to measure %s", c.dir)
	}
	return u, nil
}

// Close is a no-op, the file engine holds no open resources between calls.
func (c *fileCache) Close() error {
	return nil
}
