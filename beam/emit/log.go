package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to a writer, either as human-readable lines or as
// one JSON object per line.
//
// Example text output:
//
//	[candidate] job=job-4f21 id=i0c2 score=78.4
//	[ranked] job=job-4f21 iter=1 rank=1 candidate=i1c0
//
// Example JSON output:
//
//	{"type":"ranked","jobId":"job-4f21","timestamp":"...","ranked":{...}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format. Write errors are ignored;
// logging must never fail a job.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}
	fmt.Fprintf(l.writer, "[%s] job=%s%s\n", event.Type, event.JobID, summarize(event))
}

// summarize renders the variant payload as a short key=value suffix.
func summarize(ev Event) string {
	switch ev.Type {
	case TypeCandidate:
		c := ev.Candidate
		if c == nil {
			return ""
		}
		s := fmt.Sprintf(" id=%s iter=%d", c.ID, c.Iteration)
		if c.TotalScore != nil {
			s += fmt.Sprintf(" score=%.1f", *c.TotalScore)
		}
		return s
	case TypeIteration:
		p := ev.Iteration
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" iter=%d/%d candidates=%d cost=$%.4f",
			p.Iteration, p.MaxIterations, p.Candidates, p.RunningCostUSD)
	case TypeOperation:
		p := ev.Operation
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" provider=%s op=%s", p.Provider, p.Operation)
	case TypeStep:
		p := ev.Step
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" stage=%s status=%s", p.Stage, p.Status)
	case TypeRanked:
		p := ev.Ranked
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" iter=%d rank=%d candidate=%s", p.Iteration, p.Rank, p.CandidateID)
	case TypeError:
		p := ev.Error
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" message=%q", p.Message)
	case TypeCancelled:
		p := ev.Cancelled
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" completedIterations=%d", p.CompletedIterations)
	case TypeLag:
		p := ev.Lag
		if p == nil {
			return ""
		}
		return fmt.Sprintf(" dropped=%d", p.Dropped)
	}
	return ""
}
