package query

import (
	"github.com/stationops/datagate/internal/backend"
	"github.com/stationops/datagate/pkg/utils"
)

var operatorMap = map[Operator]backend.ConditionOp{
	OpEqual:              backend.OpEqual,
	OpNotEqual:           backend.OpNotEqual,
	OpGreaterThan:        backend.OpGreaterThan,
	OpGreaterThanOrEqual: backend.OpGreaterThanOrEqual,
	OpLessThan:           backend.OpLessThan,
	OpLessThanOrEqual:    backend.OpLessThanOrEqual,
	OpLike:               backend.OpLike,
	OpStringStartsWith:   backend.OpStringStartsWith,
	OpStringEndsWith:     backend.OpStringEndsWith,
	OpIn:                 backend.OpIn,
	OpIsNull:             backend.OpIsNull,
	OpIsNotNull:          backend.OpIsNotNull,
}

// Translate converts abstract request parameters into the backend's native
// query shape. Filters with unknown operators are logged and skipped; they
// are never an error.
func Translate(table string, params Params, options Options, logger *utils.StructuredLogger) *backend.Query {
	q := &backend.Query{
		Table:      table,
		Conditions: make([]backend.Condition, 0, len(params.Filters)),
		OrderBy:    params.OrderByField,
		Ascending:  !params.Descending(),
	}

	for _, f := range params.Filters {
		op, ok := operatorMap[f.Op]
		if !ok {
			if logger != nil {
				logger.Warn("skipping filter with unknown operator", map[string]interface{}{
					"table":    table,
					"field":    f.Name,
					"operator": string(f.Op),
				})
			}
			continue
		}
		q.Conditions = append(q.Conditions, backend.Condition{
			Field: f.Name,
			Op:    op,
			Value: f.Value,
		})
	}

	if params.PageSize > 0 && (params.PageNo > 0 || params.Offset > 0) {
		q.Limit = params.PageSize
		if params.Offset > 0 {
			q.Offset = params.Offset
		} else {
			q.Offset = (params.PageNo - 1) * params.PageSize
		}
	}

	if len(options.Fields) > 0 {
		q.Projection = append([]string(nil), options.Fields...)
	}

	return q
}
