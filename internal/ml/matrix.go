package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/samber/lo"
)

var (
	ErrNotMatrix   = errors.New("input is not a 2-D numeric array")
	ErrEmptyMatrix = errors.New("input has no rows")
	ErrRagged      = errors.New("input rows differ in length")
	ErrNonFinite   = errors.New("input contains a non-finite value")
)

// Matrix is a rectangular rows x cols block of features stored row-major.
type Matrix struct {
	rows, cols int
	data       []float64
}

// NewMatrix copies rows into a Matrix. Every row must have the same width and
// at least one row is required.
func NewMatrix(rows [][]float64) (Matrix, error) {
	if len(rows) == 0 {
		return Matrix{}, ErrEmptyMatrix
	}
	cols := len(rows[0])
	for i, r := range rows {
		if len(r) != cols {
			return Matrix{}, fmt.Errorf("%w: row %d has %d values, row 0 has %d", ErrRagged, i, len(r), cols)
		}
		for j, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Matrix{}, fmt.Errorf("%w at [%d][%d]", ErrNonFinite, i, j)
			}
		}
	}
	return Matrix{rows: len(rows), cols: cols, data: lo.Flatten(rows)}, nil
}

// ParseMatrix decodes a JSON array of arrays of numbers.
func ParseMatrix(raw json.RawMessage) (Matrix, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return Matrix{}, ErrNotMatrix
	}

	var rawRows []json.RawMessage
	if err := json.Unmarshal(raw, &rawRows); err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrNotMatrix, err)
	}

	rows := make([][]float64, len(rawRows))
	for i, rr := range rawRows {
		rr = bytes.TrimSpace(rr)
		if len(rr) == 0 || rr[0] != '[' {
			return Matrix{}, fmt.Errorf("%w: row %d is not an array", ErrNotMatrix, i)
		}
		cells, err := decodeCells(rr)
		if err != nil {
			return Matrix{}, fmt.Errorf("%w: row %d: %v", ErrNotMatrix, i, err)
		}
		row := make([]float64, len(cells))
		for j, cell := range cells {
			c, ok := cell.(json.Number)
			if !ok {
				return Matrix{}, fmt.Errorf("%w: [%d][%d] is %T, not a number", ErrNotMatrix, i, j, cell)
			}
			v, err := strconv.ParseFloat(c.String(), 64)
			if err != nil {
				// Out of float64 range parses as +/-Inf with ErrRange.
				if errors.Is(err, strconv.ErrRange) {
					return Matrix{}, fmt.Errorf("%w at [%d][%d]", ErrNonFinite, i, j)
				}
				return Matrix{}, fmt.Errorf("%w: [%d][%d]: %v", ErrNotMatrix, i, j, err)
			}
			row[j] = v
		}
		rows[i] = row
	}

	return NewMatrix(rows)
}

// decodeCells keeps JSON numbers as json.Number and every other literal as
// its own type, so quoted numerals stay strings.
func decodeCells(row json.RawMessage) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(row))
	dec.UseNumber()
	var cells []any
	if err := dec.Decode(&cells); err != nil {
		return nil, err
	}
	return cells, nil
}

func (m Matrix) Rows() int { return m.rows }
func (m Matrix) Cols() int { return m.cols }

// Row returns row i. The slice aliases the matrix storage.
func (m Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// Values returns the row-major backing data.
func (m Matrix) Values() []float64 { return m.data }

// Float32 returns a row-major float32 copy.
func (m Matrix) Float32() []float32 {
	return lo.Map(m.data, func(v float64, _ int) float32 { return float32(v) })
}

// ToRows returns a copy as nested slices.
func (m Matrix) ToRows() [][]float64 {
	return lo.Times(m.rows, func(i int) []float64 {
		return append([]float64(nil), m.Row(i)...)
	})
}

func (m Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToRows())
}

func (m *Matrix) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMatrix(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
