package beam

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleMetadata() *Metadata {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	root := &Candidate{
		ID: "i0c1", Iteration: 0, Ordinal: 1,
		CombinedPrompt: "a lighthouse, oil painting",
		ImageURL:       "https://img/i0c1.png",
		TotalScore:     72,
		Survived:       true,
	}
	winner := &Candidate{
		ID: "i1c0", Iteration: 1, Ordinal: 0, ParentID: "i0c1",
		CombinedPrompt: "a weathered lighthouse, oil painting",
		ImageURL:       "https://img/i1c0.png",
		TotalScore:     86,
		Survived:       true,
	}

	return &Metadata{
		JobID:      "job-test",
		SessionID:  NewSessionID(created),
		UserPrompt: "a lighthouse",
		Status:     StatusComplete,
		Config:     Params{Prompt: "a lighthouse", N: 2, M: 1, MaxIterations: 2, Alpha: floatPtr(0.7), RankingMode: RankScore},
		Iterations: []IterationRecord{
			{Iteration: 0, Candidates: []*Candidate{root}, SurvivorIDs: []string{"i0c1"}, DurationMS: 1200},
			{Iteration: 1, Candidates: []*Candidate{winner}, SurvivorIDs: []string{"i1c0"}, DurationMS: 900},
		},
		FinalWinner: &WinnerRef{Iteration: 1, CandidateID: "i1c0"},
		Lineage:     BuildLineage([]*Candidate{root, winner}),
		Costs:       CostBuckets{Text: 0.02, Vision: 0.01, ImageGen: 0.08},
		CreatedAt:   created,
		FinishedAt:  created.Add(3 * time.Second),
	}
}

func TestSessionLayout(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if id := NewSessionID(at); id != "ses-092653" {
		t.Errorf("NewSessionID = %q, want ses-092653", id)
	}

	out := t.TempDir()
	dir, err := DefaultPathBuilder{OutputDir: out}.SessionDir("ses-092653", at)
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	want := filepath.Join(out, "2026-03-14", "ses-092653")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("session dir not created: %v", err)
	}
}

func TestFilePersistRoundTrip(t *testing.T) {
	out := t.TempDir()
	p := NewFilePersist(out)
	m := sampleMetadata()

	path, err := p.SaveMetadata(context.Background(), m)
	if err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("2026-03-14", m.SessionID, "metadata.json")) {
		t.Errorf("unexpected path %q", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if got.JobID != m.JobID || got.Status != StatusComplete {
		t.Errorf("loaded %s/%s, want %s/complete", got.JobID, got.Status, m.JobID)
	}
	if len(got.Iterations) != 2 {
		t.Fatalf("iterations = %d, want 2", len(got.Iterations))
	}
	if got.FinalWinner == nil || got.FinalWinner.CandidateID != "i1c0" {
		t.Errorf("winner = %+v, want i1c0", got.FinalWinner)
	}
	if !almostEqual(got.Costs.Total(), m.Costs.Total()) {
		t.Errorf("costs total = %f, want %f", got.Costs.Total(), m.Costs.Total())
	}

	t.Run("overwrite is atomic and idempotent", func(t *testing.T) {
		again, err := p.SaveMetadata(context.Background(), m)
		if err != nil {
			t.Fatalf("second SaveMetadata: %v", err)
		}
		if again != path {
			t.Errorf("path changed on rewrite: %q vs %q", again, path)
		}
	})
}

func TestRebuildLineage(t *testing.T) {
	t.Run("matches the persisted chain", func(t *testing.T) {
		m := sampleMetadata()
		rebuilt, err := m.RebuildLineage()
		if err != nil {
			t.Fatalf("RebuildLineage: %v", err)
		}
		if len(rebuilt) != len(m.Lineage) {
			t.Fatalf("rebuilt %d entries, want %d", len(rebuilt), len(m.Lineage))
		}
		for i := range rebuilt {
			if rebuilt[i] != m.Lineage[i] {
				t.Errorf("entry %d: %+v != %+v", i, rebuilt[i], m.Lineage[i])
			}
		}
	})

	t.Run("no winner yields no chain", func(t *testing.T) {
		m := sampleMetadata()
		m.FinalWinner = nil
		chain, err := m.RebuildLineage()
		if err != nil || chain != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", chain, err)
		}
	})

	t.Run("missing winner is an error", func(t *testing.T) {
		m := sampleMetadata()
		m.FinalWinner.CandidateID = "i9c9"
		if _, err := m.RebuildLineage(); err == nil {
			t.Error("expected error for absent winner")
		}
	})
}

func TestLoadMetadataErrors(t *testing.T) {
	if _, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMetadata(bad); err == nil {
		t.Error("expected error for malformed document")
	}
}
