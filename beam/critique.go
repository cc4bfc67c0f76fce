package beam

import (
	"fmt"
	"strings"

	"github.com/dshills/beamgen-go/provider"
)

// Critique thresholds. A parent at or above both keeps its direction; below
// either, the weaker dimension drives the recommendation.
const (
	critiqueAlignmentGood = 80.0
	critiqueAlignmentPoor = 55.0
	critiqueAestheticGood = 7.5
	critiqueAestheticPoor = 5.0
)

// BuildCritique derives a refinement steering signal from a parent
// candidate's evaluation and ranking. Pure function: the same parent always
// produces the same critique.
//
// Recommendation selection:
//   - both dimensions poor            -> rework
//   - alignment below the good bar    -> adjust-content
//   - aesthetic below the good bar    -> adjust-style
//   - otherwise                       -> preserve
func BuildCritique(parent *Candidate) *provider.Critique {
	if parent == nil || parent.Evaluation == nil {
		return nil
	}
	ev := parent.Evaluation

	var rec, reason string
	switch {
	case ev.Alignment < critiqueAlignmentPoor && ev.Aesthetic < critiqueAestheticPoor:
		rec = provider.RecommendRework
		reason = fmt.Sprintf("both alignment (%.0f/100) and aesthetics (%.1f/10) fell short", ev.Alignment, ev.Aesthetic)
	case ev.Alignment < critiqueAlignmentGood:
		rec = provider.RecommendAdjustContent
		reason = fmt.Sprintf("alignment %.0f/100 is the weaker dimension", ev.Alignment)
	case ev.Aesthetic < critiqueAestheticGood:
		rec = provider.RecommendAdjustStyle
		reason = fmt.Sprintf("aesthetics %.1f/10 is the weaker dimension", ev.Aesthetic)
	default:
		rec = provider.RecommendPreserve
		reason = fmt.Sprintf("alignment %.0f/100 and aesthetics %.1f/10 are both strong", ev.Alignment, ev.Aesthetic)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Parent %s scored %.1f total (alignment %.0f/100, aesthetics %.1f/10).",
		parent.ID, parent.TotalScore, ev.Alignment, ev.Aesthetic)
	if len(ev.Strengths) > 0 {
		sb.WriteString(" Strengths: ")
		sb.WriteString(strings.Join(ev.Strengths, "; "))
		sb.WriteString(".")
	}
	if len(ev.Weaknesses) > 0 {
		sb.WriteString(" Weaknesses: ")
		sb.WriteString(strings.Join(ev.Weaknesses, "; "))
		sb.WriteString(".")
	}
	if r := parent.Ranking.Reason; r != "" {
		sb.WriteString(" Ranking notes: ")
		sb.WriteString(r)
	}

	return &provider.Critique{
		Critique:       sb.String(),
		Recommendation: rec,
		Reason:         reason,
	}
}
