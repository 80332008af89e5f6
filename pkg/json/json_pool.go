// Package json provides JSON serialization backed by goccy/go-json with pooled buffers
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number is the decoded representation of JSON numbers when UseNumber is active
type Number = gojson.Number

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalUseNumber decodes data keeping numbers as Number so large
// identifiers and decimals survive unchanged
func UnmarshalUseNumber(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// MarshalIndent is a replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewDecoder returns a decoder configured with UseNumber
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// LineEncoder writes one JSON document per line
type LineEncoder struct {
	encoder *gojson.Encoder
	count   int
}

// NewLineEncoder creates a line-delimited encoder over w
func NewLineEncoder(w io.Writer) *LineEncoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LineEncoder{encoder: enc}
}

// Encode writes v followed by a newline
func (le *LineEncoder) Encode(v interface{}) error {
	if err := le.encoder.Encode(v); err != nil {
		return err
	}
	le.count++
	return nil
}

// Count returns the number of documents written
func (le *LineEncoder) Count() int {
	return le.count
}
