package beam

import (
	"fmt"
	"sort"
)

// Evaluation is the vision model's judgment of one candidate image.
type Evaluation struct {
	// Alignment is prompt adherence, 0-100.
	Alignment float64 `json:"alignment"`

	// Aesthetic is visual quality, 0-10.
	Aesthetic float64 `json:"aesthetic"`

	Caption    string   `json:"caption,omitempty"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

// Ranking holds a candidate's standing within its iteration and globally.
type Ranking struct {
	// IterationRank is the 1-based rank within the candidate's iteration.
	// Zero until RANK has run.
	IterationRank int `json:"iterationRank,omitempty"`

	// GlobalRank is the 1-based cross-iteration rank assigned at completion.
	GlobalRank int `json:"globalRank,omitempty"`

	// Tied marks a total-score tie broken by alignment/ordinal.
	Tied bool `json:"tied,omitempty"`

	// Reason summarizes why the candidate ranked where it did.
	Reason string `json:"reason,omitempty"`

	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`

	// Wins and TotalPairs are tournament bookkeeping; zero in score mode.
	Wins       int `json:"wins,omitempty"`
	TotalPairs int `json:"totalPairs,omitempty"`
}

// Candidate is one generated image attempt. Owned by the orchestrator and
// transferred into the metadata record at completion.
type Candidate struct {
	// ID has the form i<iteration>c<ordinal>.
	ID string `json:"id"`

	Iteration int `json:"iteration"`
	Ordinal   int `json:"ordinal"`

	// ParentID is empty only for iteration 0.
	ParentID string `json:"parentId,omitempty"`

	WhatPrompt     string `json:"whatPrompt,omitempty"`
	HowPrompt      string `json:"howPrompt,omitempty"`
	CombinedPrompt string `json:"combinedPrompt,omitempty"`

	// Exactly one of ImageURL and ImagePath is non-empty after the image
	// step succeeds.
	ImageURL  string `json:"imageUrl,omitempty"`
	ImagePath string `json:"imagePath,omitempty"`

	Evaluation *Evaluation `json:"evaluation,omitempty"`
	TotalScore float64     `json:"totalScore"`
	Ranking    Ranking     `json:"ranking"`
	Survived   bool        `json:"survived"`

	// Failed marks a candidate dropped by an upstream error; it is excluded
	// from ranking and selection.
	Failed bool `json:"failed,omitempty"`
}

// CandidateID formats the canonical id for an iteration/ordinal pair.
func CandidateID(iteration, ordinal int) string {
	return fmt.Sprintf("i%dc%d", iteration, ordinal)
}

// ImageRef returns whichever image reference the candidate carries.
func (c *Candidate) ImageRef() string {
	if c.ImageURL != "" {
		return c.ImageURL
	}
	return c.ImagePath
}

// Score computes the blended total: alpha weights alignment (0-100) against
// aesthetic rescaled from 0-10 to 0-100.
func Score(alpha, alignment, aesthetic float64) float64 {
	return alpha*alignment + (1-alpha)*aesthetic*10
}

// scoreLess orders candidates best-first: total score desc, alignment desc,
// ordinal asc.
func scoreLess(a, b *Candidate) bool {
	if a.TotalScore != b.TotalScore {
		return a.TotalScore > b.TotalScore
	}
	aa, ba := 0.0, 0.0
	if a.Evaluation != nil {
		aa = a.Evaluation.Alignment
	}
	if b.Evaluation != nil {
		ba = b.Evaluation.Alignment
	}
	if aa != ba {
		return aa > ba
	}
	return a.Ordinal < b.Ordinal
}

// GlobalRanking orders all non-failed candidates across iterations and
// assigns GlobalRank. On equal total score the higher-iteration candidate is
// preferred, then the better iteration rank.
func GlobalRanking(iterations [][]*Candidate) []*Candidate {
	var all []*Candidate
	for _, iter := range iterations {
		for _, c := range iter {
			if !c.Failed {
				all = append(all, c)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.Iteration != b.Iteration {
			return a.Iteration > b.Iteration
		}
		return a.Ranking.IterationRank < b.Ranking.IterationRank
	})

	for i, c := range all {
		c.Ranking.GlobalRank = i + 1
	}
	return all
}

// Lineage walks parent pointers from the winner back to its iteration-0 root
// and returns the chain root-first. The chain length equals the number of
// iterations executed.
func Lineage(byID map[string]*Candidate, winner *Candidate) []*Candidate {
	if winner == nil {
		return nil
	}
	var chain []*Candidate
	for c := winner; c != nil; {
		chain = append(chain, c)
		if c.ParentID == "" {
			break
		}
		c = byID[c.ParentID]
	}
	// Reverse in place: root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
