// Package output writes extracted records to table files.
//
// Records are appended to an uncompressed staging file, one page at a time,
// and synced before the page is acknowledged. The byte offset reached after
// each page is the output position saved with pagination checkpoints: a
// resumed run truncates the staging file back to that offset and continues
// appending. Commit compresses the staged data into the final table file,
// writes its manifest next to it and optionally uploads both to object
// storage. A table that received no records produces no files.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/compression"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/json"
	"github.com/ajitpratap0/intacct-extractor/pkg/pagination"
)

// Format is the encoding of table files.
type Format string

const (
	// FormatCSV writes a header row followed by one row per record
	FormatCSV Format = "csv"
	// FormatJSONL writes one JSON object per line
	FormatJSONL Format = "jsonl"
)

const stagingDirName = ".staging"

// Table describes one table to write.
type Table struct {
	// Name is the table file name, e.g. accounts-payable.vendor.csv
	Name string
	// Columns fixes the CSV header; empty means the columns of the first
	// non-empty page
	Columns     []string
	PrimaryKey  []string
	Incremental bool
	// ResumeOffset continues a staged table at this byte offset; zero starts over
	ResumeOffset int64
}

// Manifest describes a committed table file.
type Manifest struct {
	TableName   string   `json:"table_name"`
	Columns     []string `json:"columns"`
	PrimaryKey  []string `json:"primary_key"`
	Incremental bool     `json:"incremental"`
	Format      Format   `json:"format"`
	Compression string   `json:"compression,omitempty"`
}

// CommitResult reports the files produced by a commit.
type CommitResult struct {
	Manifest     *Manifest
	DataPath     string
	ManifestPath string
	// Uploaded lists the object storage locations, when uploading is enabled
	Uploaded []string
}

// Sink creates table writers in an output directory.
type Sink struct {
	dir         string
	format      Format
	compression compression.Algorithm
	level       compression.Level
	uploader    Uploader
	logger      *zap.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithUploader ships committed tables through u.
func WithUploader(u Uploader) Option {
	return func(s *Sink) { s.uploader = u }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// WithCompressionLevel overrides the default compression level.
func WithCompressionLevel(level compression.Level) Option {
	return func(s *Sink) { s.level = level }
}

// NewSink creates a sink from the output configuration.
func NewSink(cfg config.OutputConfig, opts ...Option) (*Sink, error) {
	format := Format(strings.ToLower(cfg.Format))
	switch format {
	case "":
		format = FormatCSV
	case FormatCSV, FormatJSONL:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", cfg.Format)
	}
	algorithm, err := compression.Parse(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid output compression")
	}
	dir := cfg.Directory
	if dir == "" {
		dir = "."
	}

	s := &Sink{
		dir:         dir,
		format:      format,
		compression: algorithm,
		level:       compression.Default,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Format returns the table file format.
func (s *Sink) Format() Format { return s.format }

// CanResume reports whether the staged data of table reaches offset.
func (s *Sink) CanResume(name string, offset int64) bool {
	if offset == 0 {
		return true
	}
	info, err := os.Stat(s.stagingPath(name))
	return err == nil && info.Size() >= offset
}

// Open starts or resumes writing table.
func (s *Sink) Open(ctx context.Context, table Table) (*TableWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(table.Name) == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "table name is required")
	}
	if err := os.MkdirAll(filepath.Join(s.dir, stagingDirName), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to create output directory")
	}

	path := s.stagingPath(table.Name)
	logger := s.logger.With(zap.String("table", table.Name))

	var f *os.File
	var err error
	if table.ResumeOffset > 0 {
		if !s.CanResume(table.Name, table.ResumeOffset) {
			return nil, errors.New(errors.ErrorTypeOutput, "staged output of the interrupted run is missing or short").
				WithDetail("table", table.Name).
				WithDetail("offset", table.ResumeOffset)
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err == nil {
			err = f.Truncate(table.ResumeOffset)
		}
		if err == nil {
			_, err = f.Seek(table.ResumeOffset, io.SeekStart)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	}
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to open staging file").WithDetail("table", table.Name)
	}

	w := &TableWriter{
		sink:     s,
		table:    table,
		file:     f,
		path:     path,
		position: table.ResumeOffset,
		logger:   logger,
	}
	switch s.format {
	case FormatJSONL:
		w.encoder = newJSONLEncoder(f, table.Columns)
	default:
		w.encoder = newCSVEncoder(f, table.Columns, logger)
	}
	if table.ResumeOffset > 0 {
		if err := w.encoder.recover(io.NewSectionReader(f, 0, table.ResumeOffset)); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to read staged output").WithDetail("table", table.Name)
		}
		logger.Info("resuming staged output", zap.Int64("offset", table.ResumeOffset))
	}
	return w, nil
}

func (s *Sink) stagingPath(name string) string {
	return filepath.Join(s.dir, stagingDirName, name+".part")
}

func (s *Sink) dataPath(name string) string {
	return filepath.Join(s.dir, name+s.compression.Extension())
}

// encoder renders records into the staging file.
type encoder interface {
	// write encodes records; pageColumns lists their keys in first-seen order
	write(records []intacct.Record, pageColumns []string) error
	flush() error
	// recover restores the encoder from already staged data
	recover(r io.Reader) error
	columns() []string
}

// TableWriter appends pages to one table. It is not safe for concurrent use.
type TableWriter struct {
	sink     *Sink
	table    Table
	file     *os.File
	path     string
	encoder  encoder
	position int64
	records  int
	closed   bool
	logger   *zap.Logger
}

// Write appends records and makes them durable.
func (w *TableWriter) Write(ctx context.Context, records []intacct.Record, columns []string) error {
	if w.closed {
		return errors.New(errors.ErrorTypeInternal, "write to a closed table writer")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := w.encoder.write(records, columns); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to encode records").WithDetail("table", w.table.Name)
	}
	if err := w.sync(); err != nil {
		return err
	}
	w.records += len(records)
	return nil
}

// HandlePage writes the records of page.
func (w *TableWriter) HandlePage(ctx context.Context, page *pagination.Page) error {
	return w.Write(ctx, page.Records, page.Columns)
}

// Position returns the staged byte offset after the last written page.
func (w *TableWriter) Position() int64 { return w.position }

// Records returns the number of records written through this writer.
func (w *TableWriter) Records() int { return w.records }

func (w *TableWriter) sync() error {
	if err := w.encoder.flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to flush staging file").WithDetail("table", w.table.Name)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to sync staging file").WithDetail("table", w.table.Name)
	}
	pos, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to read staging position").WithDetail("table", w.table.Name)
	}
	w.position = pos
	return nil
}

// Close releases the staging file and keeps its content for a resumed run.
func (w *TableWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.encoder.flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Commit publishes the staged table. It returns nil when no records were
// staged; nothing is written then. A failed commit closes the writer and
// keeps the staging file.
func (w *TableWriter) Commit(ctx context.Context) (_ *CommitResult, err error) {
	if w.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "commit of a closed table writer")
	}
	defer func() {
		if err == nil {
			return
		}
		if cerr := w.Close(); cerr != nil {
			w.logger.Warn("failed to close staging file", zap.Error(cerr))
		}
	}()
	if err := w.sync(); err != nil {
		return nil, err
	}
	if w.position == 0 {
		w.closed = true
		_ = w.file.Close()
		_ = os.Remove(w.path)
		w.logger.Info("no records extracted, nothing written")
		return nil, nil
	}

	sink := w.sink
	result := &CommitResult{
		Manifest: &Manifest{
			TableName:   w.table.Name,
			Columns:     w.encoder.columns(),
			PrimaryKey:  nonNil(w.table.PrimaryKey),
			Incremental: w.table.Incremental,
			Format:      sink.format,
		},
		DataPath: sink.dataPath(w.table.Name),
	}
	if sink.compression != compression.None {
		result.Manifest.Compression = string(sink.compression)
	}
	result.ManifestPath = result.DataPath + ".manifest"

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to rewind staging file")
	}
	written, err := writeAtomic(result.DataPath, func(out io.Writer) error {
		_, err := compression.Copy(out, io.LimitReader(w.file, w.position), sink.compression, sink.level)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to write table file").WithDetail("table", w.table.Name)
	}

	manifest, err := json.MarshalIndent(result.Manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to encode manifest")
	}
	if _, err := writeAtomic(result.ManifestPath, func(out io.Writer) error {
		_, err := out.Write(manifest)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutput, "failed to write manifest").WithDetail("table", w.table.Name)
	}

	w.closed = true
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove staging file", zap.Error(err))
	}

	if sink.uploader != nil {
		for _, path := range []string{result.DataPath, result.ManifestPath} {
			location, err := uploadFile(ctx, sink.uploader, path)
			if err != nil {
				return nil, err
			}
			result.Uploaded = append(result.Uploaded, location)
		}
	}

	w.logger.Info("table committed",
		zap.String("path", result.DataPath),
		zap.Int64("staged_bytes", w.position),
		zap.Int64("file_bytes", written),
		zap.Strings("columns", result.Manifest.Columns),
		zap.Int("uploads", len(result.Uploaded)))
	return result, nil
}

// writeAtomic writes path through a temporary file renamed into place.
func writeAtomic(path string, fill func(io.Writer) error) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return info.Size(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
