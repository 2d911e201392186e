package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/registry"
)

func TestParseStoreURL(t *testing.T) {
	tests := []struct {
		raw     string
		backend string
		wantErr bool
	}{
		{raw: "memory:/tmp/models.json", backend: "memory"},
		{raw: "redis://:secret@localhost:6379/3", backend: "redis"},
		{raw: "redis://cache:6379", backend: "redis"},
		{raw: "postgres://mmm:pw@db:5432/mmm", backend: "postgres"},
		{raw: "memory:", wantErr: true},
		{raw: "redis://localhost:6379/x", wantErr: true},
		{raw: "s3://bucket/models", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg, err := parseStoreURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Backend != tt.backend {
				t.Errorf("backend = %q, want %q", cfg.Backend, tt.backend)
			}
		})
	}

	cfg, _ := parseStoreURL("redis://:secret@localhost:6379/3")
	if cfg.RedisAddr != "localhost:6379" || cfg.RedisPassword != "secret" || cfg.RedisDB != 3 {
		t.Errorf("redis config = %+v", cfg)
	}
}

func TestParseAmounts(t *testing.T) {
	got, err := parseAmounts("min", map[string]string{"TV_spend": "1000", "Radio_spend": "2.5e3"})
	if err != nil {
		t.Fatal(err)
	}
	if got["TV_spend"] != 1000 || got["Radio_spend"] != 2500 {
		t.Errorf("amounts = %v", got)
	}
	if got, _ := parseAmounts("min", nil); got != nil {
		t.Errorf("empty input should give nil, got %v", got)
	}
	if _, err := parseAmounts("max", map[string]string{"TV_spend": "lots"}); err == nil {
		t.Error("expected parse error")
	}
}

func TestGroundTruthPath(t *testing.T) {
	if got := groundTruthPath("out/data.csv"); got != "out/data_ground_truth.json" {
		t.Errorf("groundTruthPath = %q", got)
	}
}

func seedStore(t *testing.T, n int) *registry.MemoryStore {
	t.Helper()
	s, err := registry.NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		rec := &registry.Record{
			ID:       registry.NewID(),
			FittedAt: time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC),
			Channels: []string{"tv"},
			Snapshot: &mmm.Snapshot{Intercept: float64(i)},
		}
		ttl := time.Duration(0)
		if i%2 == 1 {
			ttl = time.Hour
		}
		if err := s.Put(context.Background(), rec, ttl); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t, 5)
	dst, _ := registry.NewMemoryStore("")

	res, err := migrate(ctx, src, dst, migrateOptions{dryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found != 5 || res.Copied != 0 {
		t.Errorf("dry run = %+v", res)
	}
	if recs, _ := dst.List(ctx); len(recs) != 0 {
		t.Fatalf("dry run wrote %d records", len(recs))
	}

	res, err = migrate(ctx, src, dst, migrateOptions{workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Copied != 5 || res.Verified != 5 {
		t.Errorf("migrate = %+v", res)
	}
	recs, _ := dst.List(ctx)
	expiring := 0
	for _, r := range recs {
		if !r.ExpiresAt.IsZero() {
			expiring++
			if time.Until(r.ExpiresAt) > time.Hour {
				t.Errorf("%s: TTL extended to %v", r.ID, r.ExpiresAt)
			}
		}
	}
	if expiring != 2 {
		t.Errorf("%d records kept a TTL, want 2", expiring)
	}

	res, err = migrate(ctx, src, dst, migrateOptions{workers: 2, throttleQPS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Copied != 0 || res.Skipped != 5 {
		t.Errorf("second run = %+v, want everything skipped", res)
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("mmm %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestGenerateCommand(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "weekly.csv")
	out := run(t, "generate", "--weeks", "30", "--channels", "TV,Radio", "--out", data)

	if !strings.Contains(out, "TV_spend") || !strings.Contains(out, "Rows: 30") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "weekly_ground_truth.json")); err != nil {
		t.Errorf("ground truth not written: %v", err)
	}
	frame, err := loadFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Len() != 30 {
		t.Errorf("rows = %d, want 30", frame.Len())
	}
}

func TestFitAndOptimizeCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("fits a model")
	}
	dir := t.TempDir()
	data := filepath.Join(dir, "weekly.csv")
	model := filepath.Join(dir, "model.json")
	run(t, "generate", "--weeks", "52", "--channels", "TV,Digital", "--seed", "3", "--out", data)

	out := run(t, "fit", "--data", data, "--channels", "TV_spend,Digital_spend",
		"--controls", "price,promotion", "--no-seasonality",
		"--draws", "100", "--tune", "100", "--chains", "2", "--seed", "11",
		"--out", model, "--validate")
	if !strings.Contains(out, "Snapshot saved") || !strings.Contains(out, "=== Validation ===") {
		t.Errorf("unexpected fit output:\n%s", out)
	}

	var rec registry.Record
	if err := readJSON(model, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Snapshot == nil || len(rec.Channels) != 2 {
		t.Fatalf("snapshot = %+v", rec)
	}

	out = run(t, "optimize", "--model", model, "--budget", "30000",
		"--max", "TV_spend=20000", "--current", "TV_spend=15000,Digital_spend=15000")
	if !strings.Contains(out, "Total budget: 30000") || !strings.Contains(out, "Versus current allocation") {
		t.Errorf("unexpected optimize output:\n%s", out)
	}
}
