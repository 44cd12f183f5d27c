package query

// Optimizer tuning constants.
const (
	// defaultPageSize is used when a viewport is given without a page size.
	defaultPageSize = 50

	// lowPriorityMaxPageSize caps page size for prefetch-style calls.
	lowPriorityMaxPageSize = 20

	// recencyOrderField is the default ordering for high-priority requests
	// when the caller did not specify one.
	recencyOrderField = "created_at"
)

// Optimize rewrites request parameters based on caller-supplied hints.
// It is a pure transformation: the input params are not mutated.
func Optimize(params Params, options Options) Params {
	out := params
	out.Filters = append([]Filter(nil), params.Filters...)

	if options.Viewport != nil {
		out = applyViewport(out, *options.Viewport)
	}

	switch options.Priority {
	case PriorityHigh:
		// Favor most-recently-created records unless the caller ordered
		// explicitly.
		if out.OrderByField == "" {
			desc := false
			out.OrderByField = recencyOrderField
			out.IsAsc = &desc
		}
	case PriorityLow:
		if out.PageSize <= 0 || out.PageSize > lowPriorityMaxPageSize {
			out.PageSize = lowPriorityMaxPageSize
			if out.PageNo <= 0 {
				out.PageNo = 1
			}
		}
	}

	return out
}

// applyViewport recomputes pagination so the fetched window covers
// [start, end] with at most one extra page unit of over-fetch. The
// window is expressed as a whole-unit row offset plus a limit, snapped
// to the page unit so scroll-adjacent requests share cache entries.
func applyViewport(p Params, vp Viewport) Params {
	unit := p.PageSize
	if unit <= 0 {
		unit = defaultPageSize
	}
	if vp.Start < 0 {
		vp.Start = 0
	}
	if vp.End < vp.Start {
		vp.End = vp.Start
	}

	firstPage := vp.Start / unit
	lastPage := vp.End / unit

	p.PageNo = 1
	p.PageSize = (lastPage - firstPage + 1) * unit
	p.Offset = firstPage * unit
	return p
}
