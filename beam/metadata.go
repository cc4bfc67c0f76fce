package beam

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IterationRecord is one iteration's slice of the metadata document.
type IterationRecord struct {
	Iteration  int          `json:"iteration"`
	Candidates []*Candidate `json:"candidates"`
	// SurvivorIDs lists the candidates carried into the next iteration, in
	// rank order.
	SurvivorIDs []string `json:"survivorIds"`
	// DurationMS is the wall time of the iteration.
	DurationMS int64 `json:"durationMs"`
}

// WinnerRef points at the final winner inside the iterations array.
type WinnerRef struct {
	Iteration   int    `json:"iteration"`
	CandidateID string `json:"candidateId"`
}

// LineageEntry is one step of the winner's ancestry chain, root first.
type LineageEntry struct {
	CandidateID    string  `json:"candidateId"`
	Iteration      int     `json:"iteration"`
	CombinedPrompt string  `json:"combinedPrompt"`
	ImageRef       string  `json:"imageRef"`
	TotalScore     float64 `json:"totalScore"`
}

// Metadata is the persisted record of one run: full lineage, scores, costs,
// and errors. Written once, at terminal transition.
type Metadata struct {
	JobID      string `json:"jobId"`
	SessionID  string `json:"sessionId"`
	UserPrompt string `json:"userPrompt"`
	Status     Status `json:"status"`

	Config Params `json:"config"`

	Iterations  []IterationRecord `json:"iterations"`
	FinalWinner *WinnerRef        `json:"finalWinner,omitempty"`
	Lineage     []LineageEntry    `json:"lineage,omitempty"`

	Costs CostBuckets `json:"costs"`

	// Errors holds non-fatal failure notes (dropped candidates, failed
	// tournament pairs, degraded ranking).
	Errors []string `json:"errors,omitempty"`

	// Optimization carries cost observations from the token tracker.
	Optimization []string `json:"optimization,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// BuildLineage converts a winner's ancestry chain into metadata entries.
func BuildLineage(chain []*Candidate) []LineageEntry {
	out := make([]LineageEntry, 0, len(chain))
	for _, c := range chain {
		out = append(out, LineageEntry{
			CandidateID:    c.ID,
			Iteration:      c.Iteration,
			CombinedPrompt: c.CombinedPrompt,
			ImageRef:       c.ImageRef(),
			TotalScore:     c.TotalScore,
		})
	}
	return out
}

// Persist writes a finished run's metadata document.
type Persist interface {
	SaveMetadata(ctx context.Context, m *Metadata) (path string, err error)
}

// PathBuilder decides where a session's artifacts live.
type PathBuilder interface {
	// SessionDir returns (and creates) the directory for one session.
	SessionDir(sessionID string, at time.Time) (string, error)
}

// DefaultPathBuilder lays sessions out as
// <outputDir>/<YYYY-MM-DD>/<sessionID>/.
type DefaultPathBuilder struct {
	OutputDir string
}

// SessionDir creates and returns the session directory.
func (b DefaultPathBuilder) SessionDir(sessionID string, at time.Time) (string, error) {
	dir := filepath.Join(b.OutputDir, at.Format("2006-01-02"), sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// NewSessionID formats a session id from the start time.
func NewSessionID(at time.Time) string {
	return "ses-" + at.Format("150405")
}

// FilePersist writes metadata.json under the session directory.
type FilePersist struct {
	Paths PathBuilder
}

// NewFilePersist creates a file persister rooted at outputDir.
func NewFilePersist(outputDir string) *FilePersist {
	return &FilePersist{Paths: DefaultPathBuilder{OutputDir: outputDir}}
}

// SaveMetadata writes the document and returns its path. The write goes
// through a temp file and rename so readers never observe a partial
// document.
func (f *FilePersist) SaveMetadata(_ context.Context, m *Metadata) (string, error) {
	dir, err := f.Paths.SessionDir(m.SessionID, m.CreatedAt)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "metadata.json")

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize metadata: %w", err)
	}
	return path, nil
}

// LoadMetadata reads a metadata document back from disk.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &m, nil
}

// RebuildLineage recomputes the winner's ancestry from a loaded document.
// Used to verify a persisted record is internally consistent.
func (m *Metadata) RebuildLineage() ([]LineageEntry, error) {
	if m.FinalWinner == nil {
		return nil, nil
	}
	byID := make(map[string]*Candidate)
	for _, ir := range m.Iterations {
		for _, c := range ir.Candidates {
			byID[c.ID] = c
		}
	}
	winner, ok := byID[m.FinalWinner.CandidateID]
	if !ok {
		return nil, fmt.Errorf("winner %s not present in iterations", m.FinalWinner.CandidateID)
	}
	return BuildLineage(Lineage(byID, winner)), nil
}
