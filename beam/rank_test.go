package beam

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dshills/beamgen-go/provider"
)

func scored(id string, ordinal int, alignment, aesthetic float64) *Candidate {
	return &Candidate{
		ID:         id,
		Ordinal:    ordinal,
		ImageURL:   "mock://" + id,
		Evaluation: &Evaluation{Alignment: alignment, Aesthetic: aesthetic},
		TotalScore: Score(0.7, alignment, aesthetic),
	}
}

func TestRankByScore(t *testing.T) {
	t.Run("orders best first", func(t *testing.T) {
		cands := []*Candidate{
			scored("i0c0", 0, 60, 6),
			scored("i0c1", 1, 90, 8),
			scored("i0c2", 2, 75, 7),
		}
		ranked := RankByScore(cands)
		for i, want := range []string{"i0c1", "i0c2", "i0c0"} {
			if ranked[i].ID != want {
				t.Errorf("rank %d = %s, want %s", i+1, ranked[i].ID, want)
			}
			if ranked[i].Ranking.IterationRank != i+1 {
				t.Errorf("%s IterationRank = %d, want %d", ranked[i].ID, ranked[i].Ranking.IterationRank, i+1)
			}
		}
	})

	t.Run("ties break by alignment then ordinal", func(t *testing.T) {
		a := scored("i0c0", 0, 70, 7)
		b := scored("i0c1", 1, 80, 7)
		b.TotalScore = a.TotalScore

		ranked := RankByScore([]*Candidate{a, b})
		if ranked[0].ID != "i0c1" {
			t.Errorf("higher alignment should win the tie, got %s first", ranked[0].ID)
		}
		if !ranked[0].Ranking.Tied || !ranked[1].Ranking.Tied {
			t.Error("both candidates should be flagged tied")
		}
	})

	t.Run("failed candidates excluded", func(t *testing.T) {
		bad := scored("i0c0", 0, 99, 9)
		bad.Failed = true
		ranked := RankByScore([]*Candidate{bad, scored("i0c1", 1, 50, 5)})
		if len(ranked) != 1 || ranked[0].ID != "i0c1" {
			t.Errorf("ranked = %v, want only i0c1", ranked)
		}
	})
}

// strengthJudge decides pairs from a fixed per-image strength table, so its
// verdicts are consistent and transitively inferable.
type strengthJudge struct {
	strength map[string]int
	calls    atomic.Int32
}

func (j *strengthJudge) Compare(_ context.Context, imageA, imageB, _ string) (provider.Comparison, error) {
	j.calls.Add(1)
	choice := "A"
	if j.strength[imageB] > j.strength[imageA] {
		choice = "B"
	}
	return provider.Comparison{
		Choice:          choice,
		WinnerStrengths: []string{"sharper subject"},
		LoserWeaknesses: []string{"muddy background"},
		Confidence:      0.9,
	}, nil
}

func TestTournament(t *testing.T) {
	t.Run("consistent judge produces full order", func(t *testing.T) {
		judge := &strengthJudge{strength: map[string]int{
			"mock://i0c0": 2,
			"mock://i0c1": 1,
			"mock://i0c2": 3,
			"mock://i0c3": 0,
		}}
		outcomes := map[PairOutcome]int{}
		tour := &Tournament{
			VLM:          judge,
			EnsembleSize: 1,
			OnPair:       func(outcome PairOutcome, _, _ int) { outcomes[outcome]++ },
		}

		cands := []*Candidate{
			scored("i0c0", 0, 50, 5),
			scored("i0c1", 1, 50, 5),
			scored("i0c2", 2, 50, 5),
			scored("i0c3", 3, 50, 5),
		}
		ranked, failures, err := tour.Run(context.Background(), cands, "a red fox")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(failures) != 0 {
			t.Errorf("failures = %v, want none", failures)
		}
		for i, want := range []string{"i0c2", "i0c0", "i0c1", "i0c3"} {
			if ranked[i].ID != want {
				t.Errorf("rank %d = %s, want %s", i+1, ranked[i].ID, want)
			}
		}

		// Wins must account for every decided pair.
		totalWins := 0
		for _, c := range ranked {
			totalWins += c.Ranking.Wins
		}
		if totalWins != 6 {
			t.Errorf("total wins = %d, want 6 (all pairs decided)", totalWins)
		}

		// Transitive inference must prune at least one comparison.
		if judge.calls.Load() >= 6 {
			t.Errorf("judge ran %d times, expected pruning below 6", judge.calls.Load())
		}
		if outcomes[PairCompared] != 4 || outcomes[PairInferred] != 2 || outcomes[PairFailed] != 0 {
			t.Errorf("pair outcomes = %v, want 4 compared, 2 inferred", outcomes)
		}

		if ranked[0].Ranking.Strengths == nil {
			t.Error("winner should carry strengths from judgments")
		}
		if ranked[len(ranked)-1].Ranking.Weaknesses == nil {
			t.Error("loser should carry weaknesses from judgments")
		}
	})

	t.Run("all pairs failing reports ErrAllPairsFailed", func(t *testing.T) {
		tour := &Tournament{
			VLM: &provider.MockVLM{
				CompareFunc: func(context.Context, string, string, string) (provider.Comparison, error) {
					return provider.Comparison{}, errors.New("judge offline")
				},
			},
			EnsembleSize: 1,
		}
		cands := []*Candidate{scored("i0c0", 0, 50, 5), scored("i0c1", 1, 60, 6)}
		_, failures, err := tour.Run(context.Background(), cands, "prompt")
		if !errors.Is(err, ErrAllPairsFailed) {
			t.Errorf("err = %v, want ErrAllPairsFailed", err)
		}
		if len(failures) != 1 {
			t.Errorf("failures = %v, want one entry", failures)
		}
	})

	t.Run("split ensemble falls to first image", func(t *testing.T) {
		flip := atomic.Int32{}
		tour := &Tournament{
			VLM: &provider.MockVLM{
				CompareFunc: func(context.Context, string, string, string) (provider.Comparison, error) {
					if flip.Add(1)%2 == 0 {
						return provider.Comparison{Choice: "B"}, nil
					}
					return provider.Comparison{Choice: "A"}, nil
				},
			},
			EnsembleSize: 1,
		}
		cands := []*Candidate{scored("i0c0", 0, 50, 5), scored("i0c1", 1, 50, 5)}
		ranked, _, err := tour.Run(context.Background(), cands, "prompt")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if ranked[0].ID != "i0c0" {
			t.Errorf("single A vote should put i0c0 first, got %s", ranked[0].ID)
		}
	})

	t.Run("single candidate needs no judge", func(t *testing.T) {
		tour := &Tournament{VLM: &provider.MockVLM{}, EnsembleSize: 1}
		only := scored("i0c0", 0, 50, 5)
		ranked, _, err := tour.Run(context.Background(), []*Candidate{only}, "prompt")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(ranked) != 1 || ranked[0].Ranking.IterationRank != 1 {
			t.Errorf("single candidate should rank 1, got %+v", ranked)
		}
	})

	t.Run("progress callback counts all pairs", func(t *testing.T) {
		var last int
		judge := &strengthJudge{strength: map[string]int{
			"mock://i0c0": 2,
			"mock://i0c1": 1,
			"mock://i0c2": 3,
		}}
		tour := &Tournament{
			VLM:          judge,
			EnsembleSize: 1,
			OnPair:       func(_ PairOutcome, done, _ int) { last = done },
		}
		cands := []*Candidate{
			scored("i0c0", 0, 50, 5),
			scored("i0c1", 1, 50, 5),
			scored("i0c2", 2, 50, 5),
		}
		if _, _, err := tour.Run(context.Background(), cands, "prompt"); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if last != 3 {
			t.Errorf("final progress = %d, want 3", last)
		}
	})
}
