package intacct

import (
	"sort"
	"strings"
)

// Record is one upstream record with platform metadata keys removed.
// Numbers are kept as json.Number.
type Record map[string]interface{}

// ObjectDescriptor describes an object exposed by the model endpoint.
type ObjectDescriptor struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Methods []string `json:"methods,omitempty"`
}

// ObjectSchema is the field metadata of one object.
type ObjectSchema struct {
	Name string `json:"name"`
	// Fields lists top-level fields first, then the fields of each group,
	// in the order the model returns them.
	Fields []string `json:"fields"`
	// PrimaryKeyCandidates come from the model response only.
	PrimaryKeyCandidates []string `json:"primary_key_candidates"`
	// Inferred reports that Fields were read from a sample record because
	// the model listed none.
	Inferred bool `json:"inferred,omitempty"`
}

// HasField reports whether name is one of the schema fields.
func (s *ObjectSchema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Filter restricts a query to records whose Field is >= Value.
// The zero Filter selects every record.
type Filter struct {
	Field string
	Value string
}

// IsZero reports whether the filter selects every record.
func (f Filter) IsZero() bool {
	return f.Field == "" || f.Value == ""
}

// String renders the filter for logs.
func (f Filter) String() string {
	if f.IsZero() {
		return "<none>"
	}
	return f.Field + " >= " + f.Value
}

// PageRequest identifies one page of a query.
type PageRequest struct {
	Object  string
	Filter  Filter
	Cursor  string // empty requests the first page
	Columns []string
	// PageSize is clamped to the platform bounds
	PageSize int
}

// PageResult is one fetched page.
type PageResult struct {
	Records []Record
	// Columns is the union of record keys in first-seen order.
	Columns []string
	// NextCursor is empty when the query is exhausted.
	NextCursor string
}

// Done reports whether this is the last page.
func (p *PageResult) Done() bool {
	return p.NextCursor == ""
}

// ColumnsOf returns the union of the keys of records, sorted. Pages decoded
// from a response carry their keys in response order instead.
func ColumnsOf(records []Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

const metadataPrefix = "ia::"

func isMetadataKey(key string) bool {
	return strings.HasPrefix(key, metadataPrefix)
}
