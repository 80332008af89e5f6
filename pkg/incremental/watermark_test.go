package incremental

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/intacct-extractor/pkg/json"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"equal", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", 0},
		{"rfc3339", "2024-01-02T00:00:00Z", "2024-01-01T23:59:59Z", 1},
		{"offsets", "2024-01-01T01:00:00+02:00", "2024-01-01T00:00:00Z", -1},
		{"mixed layouts", "2024-01-01 12:00:00", "2024-01-01T11:00:00Z", 1},
		{"date only", "2024-01-01", "2024-01-01T00:00:01Z", -1},
		{"us dates", "12/31/2023", "01/01/2024", -1},
		{"numeric", "9", "10", -1},
		{"decimals", "10.50", "10.5", 0},
		{"strings", "b", "a", 1},
		{"number against string", "10", "a", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestMax(t *testing.T) {
	assert.Equal(t, "b", Max("", "b"))
	assert.Equal(t, "a", Max("a", ""))
	assert.Equal(t, "2024-01-03", Max("2024-01-03", "2024-01-02T10:00:00Z"))
	assert.Equal(t, "100", Max("99", "100"))
}

func TestTracker(t *testing.T) {
	tr := NewTracker("WHENMODIFIED", "2024-01-02T00:00:00Z")

	tr.Observe(map[string]interface{}{"WHENMODIFIED": "2024-01-01T00:00:00Z"})
	assert.Equal(t, "2024-01-02T00:00:00Z", tr.Max(), "the seed is kept when larger")

	tr.Observe(map[string]interface{}{"WHENMODIFIED": "2024-01-05T00:00:00Z"})
	tr.Observe(map[string]interface{}{"WHENMODIFIED": nil})
	tr.Observe(map[string]interface{}{"WHENMODIFIED": "  "})
	tr.Observe(map[string]interface{}{"key": "1"})

	assert.Equal(t, "2024-01-05T00:00:00Z", tr.Max())
	assert.Equal(t, 2, tr.Observed())
	assert.Equal(t, 3, tr.Missing())

	numeric := NewTracker("RECORDNO", "")
	numeric.Observe(map[string]interface{}{"RECORDNO": json.Number("99")})
	numeric.Observe(map[string]interface{}{"RECORDNO": json.Number("100")})
	assert.Equal(t, "100", numeric.Max())
}
