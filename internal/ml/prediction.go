package ml

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// Prediction holds the model output for each input row, in input order.
// Values are labels (numbers or strings) or scores. A prediction built from a
// 2-D model output stays nested on the wire even when each row has one value.
type Prediction struct {
	rows   [][]any
	nested bool
}

// Labels builds a prediction with a single value per row.
func Labels[T any](labels []T) Prediction {
	return Prediction{rows: lo.Map(labels, func(v T, _ int) []any { return []any{v} })}
}

// Rows builds a prediction from a 2-D output.
func Rows(rows [][]any) Prediction {
	return Prediction{rows: rows, nested: true}
}

func (p Prediction) Len() int { return len(p.rows) }

// Row returns the output values of input row i.
func (p Prediction) Row(i int) []any { return p.rows[i] }

// Nested reports whether the prediction is written as a list of lists.
func (p Prediction) Nested() bool {
	return p.nested || !lo.EveryBy(p.rows, func(row []any) bool { return len(row) == 1 })
}

// MarshalJSON emits a flat list for labels, a nested list for 2-D outputs.
func (p Prediction) MarshalJSON() ([]byte, error) {
	if p.rows == nil {
		return []byte("[]"), nil
	}
	if p.Nested() {
		return json.Marshal(p.rows)
	}
	return json.Marshal(lo.Map(p.rows, func(row []any, _ int) any { return row[0] }))
}

// UnmarshalJSON accepts either form produced by MarshalJSON. Any array item
// makes the whole prediction nested.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("prediction: %w", err)
	}
	out := Prediction{rows: make([][]any, len(items))}
	for i, item := range items {
		if bytes.HasPrefix(bytes.TrimSpace(item), []byte("[")) {
			var row []any
			if err := json.Unmarshal(item, &row); err != nil {
				return fmt.Errorf("prediction row %d: %w", i, err)
			}
			out.rows[i] = row
			out.nested = true
			continue
		}
		var v any
		if err := json.Unmarshal(item, &v); err != nil {
			return fmt.Errorf("prediction row %d: %w", i, err)
		}
		out.rows[i] = []any{v}
	}
	*p = out
	return nil
}
