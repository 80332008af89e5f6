package incremental

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/intacct-extractor/pkg/json"
)

// timeLayouts are the date and timestamp renderings the API uses for
// incremental fields, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

func parseTime(v string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Compare orders two watermark values. Values that both parse as timestamps
// compare chronologically, values that both parse as numbers compare
// numerically, and anything else compares as strings.
func Compare(a, b string) int {
	if a == b {
		return 0
	}
	if ta, ok := parseTime(a); ok {
		if tb, ok := parseTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if na, ok := new(big.Float).SetString(a); ok {
		if nb, ok := new(big.Float).SetString(b); ok {
			return na.Cmp(nb)
		}
	}
	return strings.Compare(a, b)
}

// Max returns the larger of two watermarks; an empty value never wins.
func Max(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case Compare(b, a) > 0:
		return b
	default:
		return a
	}
}

// Tracker keeps the maximum value of one field over observed records.
type Tracker struct {
	field    string
	max      string
	observed int
	missing  int
}

// NewTracker creates a tracker for field starting from seed, the pending
// maximum of an interrupted run (may be empty).
func NewTracker(field, seed string) *Tracker {
	return &Tracker{field: field, max: seed}
}

// Observe folds the field value of rec into the maximum.
func (t *Tracker) Observe(rec map[string]interface{}) {
	v, ok := rec[t.field]
	if !ok || v == nil {
		t.missing++
		return
	}
	s := watermarkString(v)
	if s == "" {
		t.missing++
		return
	}
	t.observed++
	t.max = Max(t.max, s)
}

// Max returns the highest value observed so far.
func (t *Tracker) Max() string { return t.max }

// Observed returns how many records carried the field.
func (t *Tracker) Observed() int { return t.observed }

// Missing returns how many records lacked the field.
func (t *Tracker) Missing() int { return t.missing }

func watermarkString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
