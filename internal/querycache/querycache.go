// Package querycache implements the C5 Query Cache: a byte-budgeted
// in-memory LRU backed by a content-addressed on-disk tier, with
// per-fingerprint encode coalescing via singleflight — the ecosystem
// primitive for the "map of futures guarded by a lock" shape spec's design
// notes call for.
package querycache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/models"
)

// fingerprintReadBytes is how much of a query video is hashed to form its
// cache key; queries that differ only past this offset will collide.
const fingerprintReadBytes = 1 << 20 // 1 MiB

type cachedEncode struct {
	Global   []float32
	Temporal [][]float32
}

// Cache is a two-tier query cache: a byte-budgeted in-memory LRU backed by
// a content-addressed on-disk tier.
type Cache struct {
	mem      *byteLRU
	diskRoot string
	diskMax  int64
	group    singleflight.Group
	log      zerolog.Logger
}

// Config configures a Cache.
type Config struct {
	MemBudgetBytes  int64
	DiskRoot        string
	DiskBudgetBytes int64
}

// New builds a Cache rooted at cfg.DiskRoot, creating the directory if
// necessary.
func New(cfg Config, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.DiskRoot, 0o755); err != nil {
		return nil, models.NewError(models.KindIOError, "create query cache root", err)
	}
	return &Cache{
		mem:      newByteLRU(cfg.MemBudgetBytes),
		diskRoot: cfg.DiskRoot,
		diskMax:  cfg.DiskBudgetBytes,
		log:      log,
	}, nil
}

// Fingerprint hashes the first fingerprintReadBytes of r into a 16-byte key,
// hex-encoded. Truncating the read is intentional, not a bug: this trades a
// small collision risk on near-duplicate prefixes for not having to read the
// whole file to decide a cache hit.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.CopyN(h, r, fingerprintReadBytes); err != nil && err != io.EOF {
		return "", models.NewError(models.KindIOError, "hash query video", err)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

func (c *Cache) diskPath(fingerprint string) string {
	return filepath.Join(c.diskRoot, fingerprint+".bin")
}

// GetOrEncode returns the cached encode for fingerprint if present (memory,
// then disk), otherwise calls encodeFn exactly once even under concurrent
// callers for the same fingerprint, and populates both cache tiers with the
// result.
func (c *Cache) GetOrEncode(fingerprint string, encodeFn func() (*models.EncodeResult, error)) (*models.EncodeResult, error) {
	if v, ok := c.mem.get(fingerprint); ok {
		return &models.EncodeResult{Global: v.Global, Temporal: v.Temporal}, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		if v, ok := c.mem.get(fingerprint); ok {
			return v, nil
		}
		if v, ok := c.readDisk(fingerprint); ok {
			c.mem.put(fingerprint, v, estimateSize(v))
			return v, nil
		}

		result, err := encodeFn()
		if err != nil {
			return nil, err
		}
		cached := &cachedEncode{Global: result.Global, Temporal: result.Temporal}
		c.mem.put(fingerprint, cached, estimateSize(cached))
		if err := c.writeDisk(fingerprint, cached); err != nil {
			c.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to persist query cache entry to disk")
		}
		return cached, nil
	})
	if err != nil {
		return nil, err
	}
	cached := v.(*cachedEncode)
	return &models.EncodeResult{Global: cached.Global, Temporal: cached.Temporal}, nil
}

func estimateSize(v *cachedEncode) int64 {
	size := int64(len(v.Global)) * 4
	for _, row := range v.Temporal {
		size += int64(len(row)) * 4
	}
	return size
}

// readDisk loads a cache entry from the disk tier. A corrupted or missing
// file is treated as a miss, never an error.
func (c *Cache) readDisk(fingerprint string) (*cachedEncode, bool) {
	f, err := os.Open(c.diskPath(fingerprint))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var dLen, tLen uint32
	if err := binary.Read(f, binary.BigEndian, &dLen); err != nil {
		return nil, false
	}
	if err := binary.Read(f, binary.BigEndian, &tLen); err != nil {
		return nil, false
	}

	global := make([]float32, dLen)
	if err := readFloats(f, global); err != nil {
		return nil, false
	}

	var temporal [][]float32
	for i := uint32(0); i < tLen; i++ {
		var rowLen uint32
		if err := binary.Read(f, binary.BigEndian, &rowLen); err != nil {
			return nil, false
		}
		row := make([]float32, rowLen)
		if err := readFloats(f, row); err != nil {
			return nil, false
		}
		temporal = append(temporal, row)
	}

	now := time.Now()
	_ = os.Chtimes(c.diskPath(fingerprint), now, now)
	return &cachedEncode{Global: global, Temporal: temporal}, true
}

func readFloats(r io.Reader, out []float32) error {
	buf := make([]byte, 4)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		bits := binary.BigEndian.Uint32(buf)
		out[i] = math.Float32frombits(bits)
	}
	return nil
}

// writeDisk persists a cache entry using the write-temp, fsync, rename
// discipline shared with the temporal store, then prunes the disk tier
// oldest-access-first against the byte budget.
func (c *Cache) writeDisk(fingerprint string, v *cachedEncode) error {
	tmp, err := os.CreateTemp(c.diskRoot, fingerprint+"-*.tmp")
	if err != nil {
		return models.NewError(models.KindIOError, "create temp cache file", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := binary.Write(tmp, binary.BigEndian, uint32(len(v.Global))); err != nil {
		return models.NewError(models.KindIOError, "write cache header", err)
	}
	if err := binary.Write(tmp, binary.BigEndian, uint32(len(v.Temporal))); err != nil {
		return models.NewError(models.KindIOError, "write cache header", err)
	}
	if err := writeFloats(tmp, v.Global); err != nil {
		return models.NewError(models.KindIOError, "write cache global vector", err)
	}
	for _, row := range v.Temporal {
		if err := binary.Write(tmp, binary.BigEndian, uint32(len(row))); err != nil {
			return models.NewError(models.KindIOError, "write cache row header", err)
		}
		if err := writeFloats(tmp, row); err != nil {
			return models.NewError(models.KindIOError, "write cache row", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return models.NewError(models.KindIOError, "fsync cache file", err)
	}
	if err := tmp.Close(); err != nil {
		return models.NewError(models.KindIOError, "close cache file", err)
	}
	if err := os.Rename(tmpPath, c.diskPath(fingerprint)); err != nil {
		return models.NewError(models.KindIOError, "rename cache file into place", err)
	}
	success = true

	c.pruneDisk()
	return nil
}

func writeFloats(w io.Writer, vs []float32) error {
	for _, v := range vs {
		if err := binary.Write(w, binary.BigEndian, math.Float32bits(v)); err != nil {
			return err
		}
	}
	return nil
}

// pruneDisk removes the least-recently-accessed files until total size is
// under the budget; a file's modification time is its last access, since
// readDisk refreshes it on every disk hit. Best-effort: errors are swallowed, matching the
// teacher's "cleanup never blocks the critical path" posture.
func (c *Cache) pruneDisk() {
	entries, err := os.ReadDir(c.diskRoot)
	if err != nil {
		return
	}
	type fileInfo struct {
		path    string
		size    int64
		modTime int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.diskRoot, e.Name())
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()})
		total += info.Size()
	}
	if total <= c.diskMax {
		return
	}
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].modTime < files[i].modTime {
				files[i], files[j] = files[j], files[i]
			}
		}
	}
	for _, f := range files {
		if total <= c.diskMax {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
}

// Len reports the current number of entries resident in the memory tier,
// for diagnostics and tests.
func (c *Cache) Len() int { return c.mem.len() }
