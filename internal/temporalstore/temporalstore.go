// Package temporalstore implements the C3 Temporal Store: content-addressed
// flat files holding the per-timestep embedding matrix for a video, written
// with a write-temp, fsync, rename discipline for durability.
package temporalstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/models"
)

const magic uint32 = 0x4d4d5431 // "MMT1"

// Store manages temporal feature files under a root directory.
type Store struct {
	root string
	log  zerolog.Logger
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.NewError(models.KindIOError, "create temporal store root", err)
	}
	return &Store{root: dir, log: log}, nil
}

func (s *Store) path(videoID string) string {
	return filepath.Join(s.root, videoID+"_temporal.bin")
}

// Put writes matrix (shape [T][D]) for videoID atomically: write to a temp
// file in the same directory, fsync, then rename over the destination.
func (s *Store) Put(videoID string, matrix [][]float32) error {
	if len(matrix) == 0 {
		return models.NewError(models.KindInternal, "empty temporal matrix", nil)
	}
	t := len(matrix)
	d := len(matrix[0])

	tmp, err := os.CreateTemp(s.root, videoID+"_temporal-*.tmp")
	if err != nil {
		return models.NewError(models.KindIOError, "create temp file", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(t))
	binary.BigEndian.PutUint32(header[8:12], uint32(d))
	binary.BigEndian.PutUint32(header[12:16], 0) // reserved/dtype tag

	crc := crc32.NewIEEE()
	payload := make([]byte, 0, t*d*4)
	buf := make([]byte, 4)
	for _, row := range matrix {
		if len(row) != d {
			return models.NewError(models.KindInternal, "ragged temporal matrix", nil)
		}
		for _, v := range row {
			binary.BigEndian.PutUint32(buf, math.Float32bits(v))
			payload = append(payload, buf...)
		}
	}
	crc.Write(payload)
	checksum := crc.Sum32()

	if _, err := w.Write(header); err != nil {
		return models.NewError(models.KindIOError, "write header", err)
	}
	checksumBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(checksumBuf, checksum)
	if _, err := w.Write(checksumBuf); err != nil {
		return models.NewError(models.KindIOError, "write checksum", err)
	}
	if _, err := w.Write(payload); err != nil {
		return models.NewError(models.KindIOError, "write payload", err)
	}
	if err := w.Flush(); err != nil {
		return models.NewError(models.KindIOError, "flush temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return models.NewError(models.KindIOError, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return models.NewError(models.KindIOError, "close temp file", err)
	}
	if err := os.Rename(tmpPath, s.path(videoID)); err != nil {
		return models.NewError(models.KindIOError, "rename temp file into place", err)
	}
	success = true
	return nil
}

// Get reads back the temporal matrix for videoID, validating the header and
// checksum. A checksum or shape mismatch is reported as io_error("corrupt").
func (s *Store) Get(videoID string) ([][]float32, error) {
	f, err := os.Open(s.path(videoID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.KindNotFound, "temporal features not found", err)
		}
		return nil, models.NewError(models.KindIOError, "open temporal file", err)
	}
	defer f.Close()

	header := make([]byte, 20)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, models.NewError(models.KindIOError, "corrupt: short header", err)
	}
	gotMagic := binary.BigEndian.Uint32(header[0:4])
	if gotMagic != magic {
		return nil, models.NewError(models.KindIOError, "corrupt: bad magic", nil)
	}
	t := int(binary.BigEndian.Uint32(header[4:8]))
	d := int(binary.BigEndian.Uint32(header[8:12]))
	wantChecksum := binary.BigEndian.Uint32(header[16:20])

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, models.NewError(models.KindIOError, "read payload", err)
	}
	if len(payload) != t*d*4 {
		return nil, models.NewError(models.KindIOError, fmt.Sprintf("corrupt: shape mismatch, expected %d bytes got %d", t*d*4, len(payload)), nil)
	}
	if crc32.ChecksumIEEE(payload) != wantChecksum {
		return nil, models.NewError(models.KindIOError, "corrupt: checksum mismatch", nil)
	}

	matrix := make([][]float32, t)
	off := 0
	for i := 0; i < t; i++ {
		row := make([]float32, d)
		for j := 0; j < d; j++ {
			row[j] = math.Float32frombits(binary.BigEndian.Uint32(payload[off : off+4]))
			off += 4
		}
		matrix[i] = row
	}
	return matrix, nil
}

// Delete removes videoID's temporal file. Absence is not an error.
func (s *Store) Delete(videoID string) error {
	err := os.Remove(s.path(videoID))
	if err != nil && !os.IsNotExist(err) {
		return models.NewError(models.KindIOError, "delete temporal file", err)
	}
	return nil
}

// Exists reports whether a temporal file for videoID is present.
func (s *Store) Exists(videoID string) bool {
	_, err := os.Stat(s.path(videoID))
	return err == nil
}

// ListVideoIDs returns the video ids of every temporal file currently
// present, used by the garbage collector to find C3 orphans.
func (s *Store) ListVideoIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, models.NewError(models.KindIOError, "list temporal store", err)
	}
	const suffix = "_temporal.bin"
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	return ids, nil
}
