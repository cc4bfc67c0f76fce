package beam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/beamgen-go/provider"
)

// ErrAllPairsFailed indicates every tournament comparison errored; the
// caller falls back to score ranking.
var ErrAllPairsFailed = errors.New("all tournament pairs failed")

// RankByScore orders candidates by blended score and assigns 1-based
// IterationRank. Ties on total score are broken by alignment then ordinal
// and flagged on both candidates.
func RankByScore(cands []*Candidate) []*Candidate {
	active := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Failed {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return scoreLess(active[i], active[j]) })

	for i, c := range active {
		c.Ranking.IterationRank = i + 1
		c.Ranking.Tied = false
		c.Ranking.Reason = fmt.Sprintf("score %.1f", c.TotalScore)
	}
	for i := 1; i < len(active); i++ {
		if active[i].TotalScore == active[i-1].TotalScore {
			active[i].Ranking.Tied = true
			active[i-1].Ranking.Tied = true
		}
	}
	return active
}

// Tournament runs an all-pairs comparison tournament over one iteration's
// candidates using a VLM judge.
type Tournament struct {
	VLM provider.VLMProvider

	// EnsembleSize is the odd number of votes per pair. Each vote is one
	// Compare call; the majority decides. A split vote with a missing
	// majority (due to per-vote errors) falls to the first image.
	EnsembleSize int

	// OnPair, when set, is called after each pair resolves, with how the
	// pair was settled, the count of settled pairs, and the total.
	OnPair func(outcome PairOutcome, done, total int)
}

// PairOutcome classifies how one tournament pair was resolved.
type PairOutcome string

// Pair outcomes.
const (
	// PairCompared means the pair went to the judge.
	PairCompared PairOutcome = "compared"
	// PairInferred means an existing beats-path decided the pair.
	PairInferred PairOutcome = "inferred"
	// PairFailed means every vote for the pair errored.
	PairFailed PairOutcome = "failed"
)

// pairKey identifies an unordered candidate pair by slice indexes, i < j.
type pairKey struct{ i, j int }

// Run compares every pair, applies transitive-inference pruning, and orders
// candidates by wins. Ties on wins break by Buchholz (sum of beaten
// opponents' wins) then ordinal.
//
// Returned errors are per-pair failure notes; the ordering is still valid as
// long as at least one pair resolved. Only when every pair fails does Run
// return ErrAllPairsFailed.
func (t *Tournament) Run(ctx context.Context, cands []*Candidate, prompt string) ([]*Candidate, []string, error) {
	active := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Failed {
			active = append(active, c)
		}
	}
	n := len(active)
	if n < 2 {
		return RankByScore(active), nil, nil
	}

	totalPairs := n * (n - 1) / 2

	// beats[i][j] == true means i defeated j, directly or by inference.
	beats := make([][]bool, n)
	for i := range beats {
		beats[i] = make([]bool, n)
	}
	wins := make([]int, n)
	beatenBy := make([][]int, n) // opponents each candidate defeated

	var (
		failures []string
		done     int
		decided  int
	)

	strengths := make(map[int][]string)
	weaknesses := make(map[int][]string)

	record := func(w, l int, c *provider.Comparison) {
		beats[w][l] = true
		wins[w]++
		beatenBy[w] = append(beatenBy[w], l)
		decided++
		if c != nil {
			strengths[w] = append(strengths[w], c.WinnerStrengths...)
			weaknesses[l] = append(weaknesses[l], c.LoserWeaknesses...)
		}
	}

	// reachable reports whether a beats-path exists from i to j.
	var reachable func(from, to int, seen []bool) bool
	reachable = func(from, to int, seen []bool) bool {
		if beats[from][to] {
			return true
		}
		seen[from] = true
		for k := 0; k < n; k++ {
			if beats[from][k] && !seen[k] && reachable(k, to, seen) {
				return true
			}
		}
		return false
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, failures, err
			}

			// Transitive inference: an established beats-path decides the
			// pair without a VLM call.
			if reachable(i, j, make([]bool, n)) {
				record(i, j, nil)
				done++
				t.progress(PairInferred, done, totalPairs)
				continue
			}
			if reachable(j, i, make([]bool, n)) {
				record(j, i, nil)
				done++
				t.progress(PairInferred, done, totalPairs)
				continue
			}

			winner, cmp, err := t.comparePair(ctx, active[i], active[j], prompt)
			done++
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s vs %s: %v", active[i].ID, active[j].ID, err))
				t.progress(PairFailed, done, totalPairs)
				continue
			}
			if winner == 0 {
				record(i, j, &cmp)
			} else {
				record(j, i, &cmp)
			}
			t.progress(PairCompared, done, totalPairs)
		}
	}

	if decided == 0 {
		return nil, failures, ErrAllPairsFailed
	}

	// Buchholz: strength of defeated opposition.
	buchholz := make([]int, n)
	for i := 0; i < n; i++ {
		for _, l := range beatenBy[i] {
			buchholz[i] += wins[l]
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if wins[ia] != wins[ib] {
			return wins[ia] > wins[ib]
		}
		if buchholz[ia] != buchholz[ib] {
			return buchholz[ia] > buchholz[ib]
		}
		return active[ia].Ordinal < active[ib].Ordinal
	})

	ranked := make([]*Candidate, n)
	for rank, idx := range order {
		c := active[idx]
		c.Ranking.IterationRank = rank + 1
		c.Ranking.Wins = wins[idx]
		c.Ranking.TotalPairs = totalPairs
		c.Ranking.Tied = false
		c.Ranking.Strengths = dedupe(strengths[idx])
		c.Ranking.Weaknesses = dedupe(weaknesses[idx])
		c.Ranking.Reason = fmt.Sprintf("%d/%d pairwise wins", wins[idx], n-1)
		ranked[rank] = c
	}
	for r := 1; r < n; r++ {
		a, b := order[r-1], order[r]
		if wins[a] == wins[b] && buchholz[a] == buchholz[b] {
			ranked[r-1].Ranking.Tied = true
			ranked[r].Ranking.Tied = true
		}
	}
	return ranked, failures, nil
}

// comparePair runs the ensemble votes for one pair and returns 0 when the
// first candidate wins, 1 for the second.
func (t *Tournament) comparePair(ctx context.Context, a, b *Candidate, prompt string) (int, provider.Comparison, error) {
	votes := t.EnsembleSize
	if votes < 1 {
		votes = 1
	}

	type vote struct {
		cmp provider.Comparison
		err error
	}
	results := make([]vote, votes)

	var wg sync.WaitGroup
	for v := 0; v < votes; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			cmp, err := t.VLM.Compare(ctx, a.ImageRef(), b.ImageRef(), prompt)
			results[v] = vote{cmp: cmp, err: err}
		}(v)
	}
	wg.Wait()

	var (
		aVotes, bVotes int
		lastA, lastB   provider.Comparison
		lastErr        error
	)
	for _, r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		switch r.cmp.Choice {
		case "A":
			aVotes++
			lastA = r.cmp
		case "B":
			bVotes++
			lastB = r.cmp
		default:
			// Judge abstained or answered out of protocol; count for A.
			aVotes++
			lastA = r.cmp
		}
	}

	if aVotes == 0 && bVotes == 0 {
		if lastErr == nil {
			lastErr = errors.New("no votes cast")
		}
		return 0, provider.Comparison{}, lastErr
	}
	// Majority wins; a split vote falls to A.
	if bVotes > aVotes {
		return 1, lastB, nil
	}
	return 0, lastA, nil
}

func (t *Tournament) progress(outcome PairOutcome, done, total int) {
	if t.OnPair != nil {
		t.OnPair(outcome, done, total)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
