package dataset

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sample = `date,TV_spend,revenue,promotion
2022-01-02,100.5,1000,False
2022-01-09,0,1200,True
2022-01-16,250,1100.25,False
`

func TestReadCSV(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if f.Len() != 3 {
		t.Fatalf("Len = %d, want 3", f.Len())
	}
	if got := f.Names(); strings.Join(got, ",") != "date,TV_spend,revenue,promotion" {
		t.Errorf("Names = %v", got)
	}
	if f.IsNumeric("date") {
		t.Error("date should be a text column")
	}
	if _, ok := f.Column("date"); ok {
		t.Error("Column should not return text columns")
	}
	tv, ok := f.Column("TV_spend")
	if !ok || tv[0] != 100.5 || tv[2] != 250 {
		t.Errorf("TV_spend = %v", tv)
	}
	promo, _ := f.Column("promotion")
	if promo[0] != 0 || promo[1] != 1 {
		t.Errorf("promotion = %v, want booleans as 0/1", promo)
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"duplicate header", "a,a\n1,2\n"},
		{"blank header", "a,\n1,2\n"},
		{"ragged row", "a,b\n1,2\n3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	f, err := ReadCSV(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, f); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	g, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV of written frame: %v", err)
	}
	rev, _ := g.Column("revenue")
	if rev[2] != 1100.25 {
		t.Errorf("revenue = %v", rev)
	}
	dates, _ := g.Text("date")
	if dates[1] != "2022-01-09" {
		t.Errorf("dates = %v", dates)
	}
}

func TestFrameAdd(t *testing.T) {
	f := New(2)
	if err := f.Add("x", []float64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := f.Add("y", []float64{1}); err == nil {
		t.Error("length mismatch should fail")
	}
	if err := f.AddText("x", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if f.IsNumeric("x") {
		t.Error("replaced column should be text")
	}
	if len(f.Names()) != 1 {
		t.Errorf("replacing a column should not duplicate its name: %v", f.Names())
	}
}

func TestRecordsAndDescribe(t *testing.T) {
	f, _ := FromColumns(map[string][]float64{"a": {1, 2, 3}, "b": {4, 4, 4}})
	recs := f.Records(2)
	if len(recs) != 2 || recs[1]["a"] != 2.0 {
		t.Errorf("Records = %v", recs)
	}
	d := f.Describe()
	if d["a"].Mean != 2 || d["a"].Sum != 6 || d["b"].Std != 0 {
		t.Errorf("Describe = %+v", d)
	}
}

func TestStore(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f, _ := ReadCSV(strings.NewReader(sample))
	id, err := s.Create(f)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) != 8 {
		t.Errorf("id %q should have 8 characters", id)
	}
	if !s.Exists(id) {
		t.Error("created dataset should exist")
	}
	g, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Len() != 3 {
		t.Errorf("loaded %d rows", g.Len())
	}

	if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := s.Load("../etc/passwd"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("path traversal: err = %v", err)
	}

	type meta struct{ Seed int }
	if err := s.SaveSidecar(id, "_ground_truth", meta{Seed: 7}); err != nil {
		t.Fatal(err)
	}
	var m meta
	ok, err := s.LoadSidecar(id, "_ground_truth", &m)
	if err != nil || !ok || m.Seed != 7 {
		t.Errorf("LoadSidecar = %v, %v, %+v", ok, err, m)
	}
	if ok, _ := s.LoadSidecar(id, "_other", &m); ok {
		t.Error("absent sidecar reported present")
	}
}
