// Package dataset holds tabular period data: equal-length named numeric
// columns plus any text columns (dates, labels) carried along for display.
package dataset

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Frame is an ordered set of equal-length columns. It satisfies mmm.Table.
type Frame struct {
	names   []string
	numeric map[string][]float64
	text    map[string][]string
	rows    int
}

// New returns an empty frame with the given row count.
func New(rows int) *Frame {
	return &Frame{
		numeric: make(map[string][]float64),
		text:    make(map[string][]string),
		rows:    rows,
	}
}

// FromColumns builds a frame from numeric columns, ordered by name.
func FromColumns(cols map[string][]float64) (*Frame, error) {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := 0
	if len(names) > 0 {
		rows = len(cols[names[0]])
	}
	f := New(rows)
	for _, name := range names {
		if err := f.Add(name, cols[name]); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Len is the number of rows.
func (f *Frame) Len() int { return f.rows }

// Names lists every column in insertion order.
func (f *Frame) Names() []string { return append([]string(nil), f.names...) }

// Column returns a numeric column. Text columns are not returned.
func (f *Frame) Column(name string) ([]float64, bool) {
	col, ok := f.numeric[name]
	return col, ok
}

// Text returns a text column.
func (f *Frame) Text(name string) ([]string, bool) {
	col, ok := f.text[name]
	return col, ok
}

// IsNumeric reports whether name is a numeric column.
func (f *Frame) IsNumeric(name string) bool {
	_, ok := f.numeric[name]
	return ok
}

// Add appends or replaces a numeric column.
func (f *Frame) Add(name string, values []float64) error {
	if err := f.claim(name, len(values)); err != nil {
		return err
	}
	f.numeric[name] = values
	return nil
}

// AddText appends or replaces a text column.
func (f *Frame) AddText(name string, values []string) error {
	if err := f.claim(name, len(values)); err != nil {
		return err
	}
	f.text[name] = values
	return nil
}

func (f *Frame) claim(name string, n int) error {
	if name == "" {
		return fmt.Errorf("column name is empty")
	}
	if n != f.rows {
		return fmt.Errorf("column %q has %d rows, frame has %d", name, n, f.rows)
	}
	_, num := f.numeric[name]
	_, txt := f.text[name]
	delete(f.numeric, name)
	delete(f.text, name)
	if !num && !txt {
		f.names = append(f.names, name)
	}
	return nil
}

// Head returns a frame with the first n rows. Columns share storage.
func (f *Frame) Head(n int) *Frame {
	if n < 0 || n > f.rows {
		n = f.rows
	}
	h := New(n)
	for _, name := range f.names {
		if col, ok := f.numeric[name]; ok {
			h.Add(name, col[:n])
		} else {
			h.AddText(name, f.text[name][:n])
		}
	}
	return h
}

// Records renders the first limit rows as column->value maps, for previews.
func (f *Frame) Records(limit int) []map[string]any {
	h := f.Head(limit)
	out := make([]map[string]any, h.rows)
	for i := range out {
		rec := make(map[string]any, len(h.names))
		for _, name := range h.names {
			if col, ok := h.numeric[name]; ok {
				rec[name] = col[i]
			} else {
				rec[name] = h.text[name][i]
			}
		}
		out[i] = rec
	}
	return out
}

// ColumnSummary describes one numeric column.
type ColumnSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Sum  float64 `json:"sum"`
}

// Describe summarises every numeric column.
func (f *Frame) Describe() map[string]ColumnSummary {
	out := make(map[string]ColumnSummary, len(f.numeric))
	for name, col := range f.numeric {
		if len(col) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(col, nil)
		if math.IsNaN(std) {
			std = 0
		}
		out[name] = ColumnSummary{
			Mean: mean,
			Std:  std,
			Min:  floats.Min(col),
			Max:  floats.Max(col),
			Sum:  floats.Sum(col),
		}
	}
	return out
}
