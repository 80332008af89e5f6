// Package compression provides the streaming compressors applied to table
// files when they are committed.
//
// # Overview
//
// Each algorithm is exposed as an io.WriteCloser wrapping the destination and
// an io.ReadCloser wrapping a compressed source:
//   - None: data is copied as is
//   - Gzip: wide compatibility, good compression (klauspost gzip)
//   - Zstd: best compression ratio, good speed
//   - LZ4: extremely fast, decent compression (lz4 frame format)
//   - Snappy/S2: framed snappy streams, S2 writes snappy compatible output
//
// # Basic Usage
//
//	w, err := compression.NewWriter(f, compression.Zstd, compression.Default)
//	if err != nil {
//	    return err
//	}
//	if _, err := io.Copy(w, staged); err != nil {
//	    return err
//	}
//	return w.Close()
//
// Close flushes the compressor but never closes the destination.
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level represents compression level, controlling the trade-off between
// compression speed and compression ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// Parse resolves a configured algorithm name; the empty string selects None.
func Parse(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return None, nil
	case None, Gzip, Snappy, LZ4, Zstd, S2:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// Extension returns the file name suffix of the algorithm, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	case Snappy:
		return ".sz"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

// NewWriter returns a writer compressing into dst.
func NewWriter(dst io.Writer, algorithm Algorithm, level Level) (io.WriteCloser, error) {
	switch algorithm {
	case None, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		return gzip.NewWriterLevel(dst, mapGzipLevel(level))
	case Zstd:
		return zstd.NewWriter(dst, zstd.WithEncoderLevel(mapZstdLevel(level)))
	case LZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(mapLZ4Level(level))); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return w, nil
	case Snappy:
		return snappy.NewBufferedWriter(dst), nil
	case S2:
		return s2.NewWriter(dst, mapS2Options(level)...), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// NewReader returns a reader decompressing src.
func NewReader(src io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None, "":
		return io.NopCloser(src), nil
	case Gzip:
		return gzip.NewReader(src)
	case Zstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(src)), nil
	case S2:
		return io.NopCloser(s2.NewReader(src)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// Copy compresses everything read from src into dst and flushes the
// compressor. It returns the number of uncompressed bytes read.
func Copy(dst io.Writer, src io.Reader, algorithm Algorithm, level Level) (int64, error) {
	w, err := NewWriter(dst, algorithm, level)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return n, err
	}
	return n, w.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Better:
		return lz4.Level5
	case Best:
		return lz4.Level9
	default:
		return lz4.Level1
	}
}

func mapS2Options(level Level) []s2.WriterOption {
	switch level {
	case Better:
		return []s2.WriterOption{s2.WriterBetterCompression()}
	case Best:
		return []s2.WriterOption{s2.WriterBestCompression()}
	default:
		return nil
	}
}
