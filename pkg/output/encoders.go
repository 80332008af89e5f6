package output

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/json"
)

// csvEncoder writes a header fixed at the first non-empty page. Keys that
// appear later and are not part of the header are dropped.
type csvEncoder struct {
	w         *csv.Writer
	requested []string
	header    []string
	inHeader  map[string]bool
	dropped   map[string]bool
	row       []string
	logger    *zap.Logger
}

func newCSVEncoder(w io.Writer, requested []string, logger *zap.Logger) *csvEncoder {
	return &csvEncoder{
		w:         csv.NewWriter(w),
		requested: requested,
		dropped:   make(map[string]bool),
		logger:    logger,
	}
}

func (e *csvEncoder) setHeader(header []string) {
	e.header = header
	e.inHeader = make(map[string]bool, len(header))
	for _, c := range header {
		e.inHeader[c] = true
	}
	e.row = make([]string, len(header))
}

func (e *csvEncoder) write(records []intacct.Record, pageColumns []string) error {
	if e.header == nil {
		header := e.requested
		if len(header) == 0 {
			header = pageColumns
		}
		if len(header) == 0 {
			header = intacct.ColumnsOf(records)
		}
		e.setHeader(append([]string(nil), header...))
		if err := e.w.Write(e.header); err != nil {
			return err
		}
	}

	for _, rec := range records {
		for i, c := range e.header {
			e.row[i] = ValueToString(rec[c])
		}
		if err := e.w.Write(e.row); err != nil {
			return err
		}
		e.noteDropped(rec)
	}
	return nil
}

func (e *csvEncoder) noteDropped(rec intacct.Record) {
	for k := range rec {
		if e.inHeader[k] || e.dropped[k] {
			continue
		}
		e.dropped[k] = true
		e.logger.Warn("field not in table header, dropped", zap.String("field", k))
	}
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

func (e *csvEncoder) recover(r io.Reader) error {
	header, err := csv.NewReader(r).Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	e.setHeader(header)
	return nil
}

func (e *csvEncoder) columns() []string {
	if e.header == nil {
		return nonNil(e.requested)
	}
	return e.header
}

// jsonlEncoder writes every record as one JSON object per line.
type jsonlEncoder struct {
	buf     *bufio.Writer
	enc     *json.LineEncoder
	cols    []string
	seen    map[string]bool
	limited bool
}

func newJSONLEncoder(w io.Writer, requested []string) *jsonlEncoder {
	buf := bufio.NewWriter(w)
	e := &jsonlEncoder{
		buf:     buf,
		enc:     json.NewLineEncoder(buf),
		seen:    make(map[string]bool),
		limited: len(requested) > 0,
	}
	e.addColumns(requested)
	return e
}

func (e *jsonlEncoder) addColumns(cols []string) {
	for _, c := range cols {
		if !e.seen[c] {
			e.seen[c] = true
			e.cols = append(e.cols, c)
		}
	}
}

func (e *jsonlEncoder) write(records []intacct.Record, pageColumns []string) error {
	if !e.limited {
		if len(pageColumns) == 0 {
			pageColumns = intacct.ColumnsOf(records)
		}
		e.addColumns(pageColumns)
	}
	for _, rec := range records {
		if err := e.enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *jsonlEncoder) flush() error {
	return e.buf.Flush()
}

func (e *jsonlEncoder) recover(r io.Reader) error {
	if e.limited {
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		gjson.ParseBytes(scanner.Bytes()).ForEach(func(key, _ gjson.Result) bool {
			e.addColumns([]string{key.String()})
			return true
		})
	}
	return scanner.Err()
}

func (e *jsonlEncoder) columns() []string {
	return nonNil(e.cols)
}

// ValueToString renders a record value as a CSV cell. Nested objects and
// arrays are written as JSON.
func ValueToString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}
