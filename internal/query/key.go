package query

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Key returns the deterministic cache/coalescing key for a request. The
// serialization is order-independent: filters and projected fields are
// sorted before hashing, so semantically identical requests produce the
// same key regardless of how the caller ordered them.
//
// The physical table name prefixes the digest so invalidation can target
// all entries of a table by prefix.
func Key(table string, params Params, options Options) string {
	var sb strings.Builder

	filters := make([]string, 0, len(params.Filters))
	for _, f := range params.Filters {
		filters = append(filters, fmt.Sprintf("%s|%s|%v", f.Name, f.Op, f.Value))
	}
	sort.Strings(filters)

	fields := append([]string(nil), options.Fields...)
	sort.Strings(fields)

	sb.WriteString("f=")
	sb.WriteString(strings.Join(filters, ";"))
	sb.WriteString("&p=")
	fmt.Fprintf(&sb, "%d,%d,%d", params.PageNo, params.PageSize, params.Offset)
	sb.WriteString("&o=")
	fmt.Fprintf(&sb, "%s,%t", params.OrderByField, params.Descending())
	sb.WriteString("&s=")
	sb.WriteString(strings.Join(fields, ";"))

	h := fnv.New64a()
	_, _ = h.Write([]byte(sb.String()))

	return fmt.Sprintf("%s:%016x", table, h.Sum64())
}

// TablePrefix returns the key prefix shared by every entry of a table.
func TablePrefix(table string) string {
	return table + ":"
}
