package scoring

import (
	"fmt"

	"registry-scorer/internal/common"
)

// Router picks a model role from the number of input rows.
type Router struct {
	threshold int
}

// NewRouter sends batches of at most threshold rows to the primary model and
// larger ones to the fallback.
func NewRouter(threshold int) (Router, error) {
	if threshold < 0 {
		return Router{}, fmt.Errorf("row threshold must be >= 0, got %d", threshold)
	}
	return Router{threshold: threshold}, nil
}

func (r Router) Threshold() int { return r.threshold }

func (r Router) Route(rows int) string {
	if rows <= r.threshold {
		return common.RolePrimary
	}
	return common.RoleFallback
}
