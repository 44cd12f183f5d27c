package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationops/datagate/internal/backend"
)

func TestTranslate_AllOperators(t *testing.T) {
	params := Params{
		Filters: []Filter{
			{Name: "a", Op: OpEqual, Value: 1},
			{Name: "b", Op: OpNotEqual, Value: 2},
			{Name: "c", Op: OpGreaterThan, Value: 3},
			{Name: "d", Op: OpGreaterThanOrEqual, Value: 4},
			{Name: "e", Op: OpLessThan, Value: 5},
			{Name: "f", Op: OpLessThanOrEqual, Value: 6},
			{Name: "g", Op: OpLike, Value: "x"},
			{Name: "h", Op: OpStringStartsWith, Value: "y"},
			{Name: "i", Op: OpStringEndsWith, Value: "z"},
			{Name: "j", Op: OpIn, Value: []interface{}{1, 2}},
			{Name: "k", Op: OpIsNull, Value: nil},
			{Name: "l", Op: OpIsNotNull, Value: nil},
		},
	}

	q := Translate("orders", params, Options{}, nil)

	require.Len(t, q.Conditions, len(params.Filters))
	for i, f := range params.Filters {
		assert.Equal(t, f.Name, q.Conditions[i].Field)
		assert.Equal(t, f.Value, q.Conditions[i].Value)
	}
	assert.Equal(t, backend.OpEqual, q.Conditions[0].Op)
	assert.Equal(t, backend.OpIsNotNull, q.Conditions[11].Op)
}

// TestTranslate_UnknownOperatorSkipped verifies the lenient path: an
// unrecognized operator drops that one filter and keeps the rest.
func TestTranslate_UnknownOperatorSkipped(t *testing.T) {
	params := Params{
		Filters: []Filter{
			{Name: "status", Op: OpEqual, Value: "open"},
			{Name: "weird", Op: Operator("Regex"), Value: ".*"},
			{Name: "total", Op: OpGreaterThan, Value: 10},
		},
	}

	q := Translate("orders", params, Options{}, nil)

	require.Len(t, q.Conditions, 2)
	assert.Equal(t, "status", q.Conditions[0].Field)
	assert.Equal(t, "total", q.Conditions[1].Field)
}

func TestTranslate_Pagination(t *testing.T) {
	tests := []struct {
		name       string
		params     Params
		wantLimit  int
		wantOffset int
	}{
		{"first page", Params{PageNo: 1, PageSize: 50}, 50, 0},
		{"third page", Params{PageNo: 3, PageSize: 20}, 20, 40},
		{"no page number", Params{PageSize: 50}, 0, 0},
		{"no page size", Params{PageNo: 2}, 0, 0},
		{"explicit offset", Params{Offset: 50, PageSize: 100}, 100, 50},
		{"explicit offset wins over page number", Params{PageNo: 2, Offset: 50, PageSize: 100}, 100, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Translate("orders", tt.params, Options{}, nil)
			assert.Equal(t, tt.wantLimit, q.Limit)
			assert.Equal(t, tt.wantOffset, q.Offset)
		})
	}
}

func TestTranslate_Ordering(t *testing.T) {
	q := Translate("orders", Params{
		OrderByField: "created_at",
		IsAsc:        boolPtr(false),
	}, Options{}, nil)
	assert.Equal(t, "created_at", q.OrderBy)
	assert.False(t, q.Ascending)

	// Ascending is the default when direction is unspecified.
	q = Translate("orders", Params{OrderByField: "total"}, Options{}, nil)
	assert.True(t, q.Ascending)
}

func TestTranslate_Projection(t *testing.T) {
	q := Translate("orders", Params{}, Options{
		Fields: []string{"id", "status"},
	}, nil)

	assert.Equal(t, []string{"id", "status"}, q.Projection)

	q = Translate("orders", Params{}, Options{}, nil)
	assert.Empty(t, q.Projection)
}
