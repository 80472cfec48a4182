// Package archive writes and reads compressed exports of stored calibration
// runs. An archive file is one JSON header line followed by a zstd-compressed
// JSON payload; the header carries an xxhash checksum of the payload so an
// archive can be verified without decompressing it.
package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/leixiaohui-1974/pestcal/internal/store"
)

// FormatVersion is the archive format written by Write.
const FormatVersion = 1

// MaxDecompressedSize bounds the decoded payload (200MB).
const MaxDecompressedSize = 200 * 1024 * 1024

var (
	// ErrChecksum is returned when the payload does not match the header.
	ErrChecksum = errors.New("archive: checksum mismatch")
	// ErrFormat is returned for files that are not pestcal archives.
	ErrFormat = errors.New("archive: unrecognized format")
)

// Header is the plain-text first line of an archive.
type Header struct {
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	Checksum       string            `json:"checksum"`
	RunCount       int               `json:"run_count"`
	IterationCount int               `json:"iteration_count"`
	Problems       []string          `json:"problems,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Archive is the decoded payload.
type Archive struct {
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Runs      []*store.Run `json:"runs"`
}

func checksum(data []byte) string {
	return fmt.Sprintf("xxh64:%016x", xxhash.Sum64(data))
}

func newHeader(a *Archive, sum string, metadata map[string]string) Header {
	h := Header{
		Version:   FormatVersion,
		CreatedAt: a.CreatedAt,
		Checksum:  sum,
		RunCount:  len(a.Runs),
		Metadata:  metadata,
	}
	seen := make(map[string]bool)
	for _, r := range a.Runs {
		if r.Result != nil {
			h.IterationCount += len(r.Result.History)
		}
		if !seen[r.Problem] {
			seen[r.Problem] = true
			h.Problems = append(h.Problems, r.Problem)
		}
	}
	return h
}

// Write encodes a to path, creating parent directories as needed.
func Write(path string, a *Archive, metadata map[string]string) (*Header, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	header := newHeader(a, checksum(compressed), metadata)
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(headerBytes) + 1 + len(compressed))
	buf.Write(headerBytes)
	buf.WriteByte('\n')
	buf.Write(compressed)
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	return &header, nil
}

func parseHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: missing header line", ErrFormat)
	}
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, header.Version)
	}
	return &header, nil
}

// split reads path and separates the header from the compressed payload.
func split(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := parseHeader(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	return header, payload, nil
}

// ReadHeader returns the header without touching the payload.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	return parseHeader(bufio.NewReader(f))
}

// Verify checks the payload checksum against the header.
func Verify(path string) (*Header, error) {
	header, payload, err := split(path)
	if err != nil {
		return nil, err
	}
	if got := checksum(payload); got != header.Checksum {
		return header, fmt.Errorf("%w: header %s, payload %s", ErrChecksum, header.Checksum, got)
	}
	return header, nil
}

// Read verifies and decodes the archive at path.
func Read(path string) (*Archive, error) {
	header, payload, err := split(path)
	if err != nil {
		return nil, err
	}
	if got := checksum(payload); got != header.Checksum {
		return nil, fmt.Errorf("%w: header %s, payload %s", ErrChecksum, header.Checksum, got)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	decoded, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(decoded) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var a Archive
	if err := json.Unmarshal(decoded, &a); err != nil {
		return nil, fmt.Errorf("parsing archive payload: %w", err)
	}
	return &a, nil
}
