package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV parses a header row followed by data rows. A column whose every
// cell parses as a number (or as true/false, read as 1/0) becomes numeric;
// any other column is kept as text. Empty cells make a column text.
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv is empty")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			return nil, fmt.Errorf("csv column %d has no name", i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("csv column %q appears twice", h)
		}
		seen[h] = true
		header[i] = h
	}

	cells := make([][]string, len(header))
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		for i := range header {
			cells[i] = append(cells[i], strings.TrimSpace(rec[i]))
		}
	}

	rows := 0
	if len(cells) > 0 {
		rows = len(cells[0])
	}
	f := New(rows)
	for i, name := range header {
		if nums, ok := parseNumeric(cells[i]); ok {
			f.Add(name, nums)
		} else {
			f.AddText(name, cells[i])
		}
	}
	return f, nil
}

func parseNumeric(cells []string) ([]float64, bool) {
	out := make([]float64, len(cells))
	for i, c := range cells {
		switch strings.ToLower(c) {
		case "true":
			out[i] = 1
			continue
		case "false":
			out[i] = 0
			continue
		}
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// WriteCSV writes the frame with a header row, columns in frame order.
func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.names); err != nil {
		return err
	}
	rec := make([]string, len(f.names))
	for i := 0; i < f.rows; i++ {
		for j, name := range f.names {
			if col, ok := f.numeric[name]; ok {
				rec[j] = strconv.FormatFloat(col[i], 'g', -1, 64)
			} else {
				rec[j] = f.text[name][i]
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
