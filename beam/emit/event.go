// Package emit provides the typed job-event model and the in-process pub/sub
// bus that carries it. Every observable thing a search job does — candidate
// progress, per-iteration markers, rankings, terminal outcomes — flows through
// here as a tagged Event.
package emit

import (
	"encoding/json"
	"time"
)

// Type enumerates the event variants. The variant determines which payload
// field of Event is populated.
type Type string

// Event variants.
const (
	TypeSubscribed    Type = "subscribed"
	TypeCandidate     Type = "candidate"
	TypeIteration     Type = "iteration"
	TypeOperation     Type = "operation"
	TypeStep          Type = "step"
	TypeRanked        Type = "ranked"
	TypeGlobalRanking Type = "globalRanking"
	TypeComplete      Type = "complete"
	TypeCancelled     Type = "cancelled"
	TypeError         Type = "error"
	TypeLag           Type = "lag"
)

// Event is a timestamped record keyed by job id. Exactly one payload field is
// non-nil, selected by Type. Receivers that track candidates should merge
// candidate payloads by id: the orchestrator emits them incrementally
// (prompts first, then image, then scores).
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`

	Subscribed    *SubscribedPayload    `json:"subscribed,omitempty"`
	Candidate     *CandidatePayload     `json:"candidate,omitempty"`
	Iteration     *IterationPayload     `json:"iteration,omitempty"`
	Operation     *OperationPayload     `json:"operation,omitempty"`
	Step          *StepPayload          `json:"step,omitempty"`
	Ranked        *RankedPayload        `json:"ranked,omitempty"`
	GlobalRanking *GlobalRankingPayload `json:"globalRanking,omitempty"`
	Complete      *CompletePayload      `json:"complete,omitempty"`
	Cancelled     *CancelledPayload     `json:"cancelled,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
	Lag           *LagPayload           `json:"lag,omitempty"`
}

// SubscribedPayload acknowledges a new subscription.
type SubscribedPayload struct {
	SubscriberID string `json:"subscriberId,omitempty"`
}

// CandidatePayload carries incremental candidate state. Pointer fields are
// nil until the corresponding stage has run, so receivers can field-merge
// partial events.
type CandidatePayload struct {
	ID             string   `json:"id"`
	Iteration      int      `json:"iteration"`
	Ordinal        int      `json:"ordinal"`
	ParentID       string   `json:"parentId,omitempty"`
	WhatPrompt     string   `json:"whatPrompt,omitempty"`
	HowPrompt      string   `json:"howPrompt,omitempty"`
	CombinedPrompt string   `json:"combinedPrompt,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	ImagePath      string   `json:"imagePath,omitempty"`
	Alignment      *float64 `json:"alignment,omitempty"`
	Aesthetic      *float64 `json:"aesthetic,omitempty"`
	TotalScore     *float64 `json:"totalScore,omitempty"`
	Survived       *bool    `json:"survived,omitempty"`
	Failed         bool     `json:"failed,omitempty"`
}

// IterationPayload marks iteration progress with the running estimated cost.
type IterationPayload struct {
	Iteration      int     `json:"iteration"`
	MaxIterations  int     `json:"maxIterations"`
	Candidates     int     `json:"candidates"`
	Survivors      int     `json:"survivors"`
	RunningCostUSD float64 `json:"runningCostUsd"`
}

// OperationPayload is a per-upstream-call ping, also used for heartbeats.
type OperationPayload struct {
	Provider       string  `json:"provider"`
	Operation      string  `json:"operation"`
	CandidateID    string  `json:"candidateId,omitempty"`
	RunningCostUSD float64 `json:"runningCostUsd"`
}

// StepPayload reports stage progress with the running cost.
type StepPayload struct {
	Stage          string  `json:"stage"`
	Status         string  `json:"status"`
	Detail         string  `json:"detail,omitempty"`
	Iteration      int     `json:"iteration"`
	RunningCostUSD float64 `json:"runningCostUsd"`
}

// RankedPayload announces one candidate's iteration rank. The rank-1 event
// for an iteration is published only after that iteration's ranking fully
// resolved, so subscribers can treat it as a new-ranking-round sentinel.
type RankedPayload struct {
	Iteration   int    `json:"iteration"`
	Rank        int    `json:"rank"`
	CandidateID string `json:"candidateId"`
	Tied        bool   `json:"tied,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Wins        int    `json:"wins,omitempty"`
	TotalPairs  int    `json:"totalPairs,omitempty"`
}

// GlobalRankEntry is one row of the cross-iteration ordering.
type GlobalRankEntry struct {
	Rank        int     `json:"rank"`
	CandidateID string  `json:"candidateId"`
	Iteration   int     `json:"iteration"`
	TotalScore  float64 `json:"totalScore"`
}

// GlobalRankingPayload carries the full cross-iteration ordering.
type GlobalRankingPayload struct {
	Ranking []GlobalRankEntry `json:"ranking"`
}

// CompletePayload carries the full metadata record of a finished job.
type CompletePayload struct {
	Metadata json.RawMessage `json:"metadata"`
}

// CancelledPayload reports cooperative cancellation.
type CancelledPayload struct {
	Reason              string `json:"reason,omitempty"`
	CompletedIterations int    `json:"completedIterations"`
}

// ErrorPayload carries a human-readable failure message.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// LagPayload marks dropped events on a slow subscription. It is delivered
// only to the affected subscription, never published on the bus.
type LagPayload struct {
	Dropped int `json:"dropped"`
}

// New creates a bare event of the given variant with the current timestamp.
// Callers attach the matching payload field.
func New(jobID string, t Type) Event {
	return Event{Type: t, JobID: jobID, Timestamp: time.Now()}
}
