package model

import "time"

// DocState is the position of a document in the ingestion state machine.
type DocState string

const (
	DocStateExtracted         DocState = "extracted"
	DocStateNormalized        DocState = "normalized"
	DocStateIdentityResolved  DocState = "identity_resolved"
	DocStateRelationalWritten DocState = "relational_written"
	DocStateDocumentWritten   DocState = "document_written"
	DocStateSearchWritten     DocState = "search_written"
	DocStateStored            DocState = "stored"
	DocStateFailed            DocState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s DocState) Terminal() bool {
	return s == DocStateStored || s == DocStateFailed
}

// Store names used in outcomes and summaries.
const (
	StoreRelational = "relational"
	StoreDocument   = "document"
	StoreSearch     = "search"
	StoreObject     = "object"
)

// StoreOutcome is the result of one store write for one identifier.
type StoreOutcome struct {
	Store      string `json:"store" yaml:"store"`
	Identifier string `json:"resume_id" yaml:"resume_id"`
	OK         bool   `json:"ok" yaml:"ok"`
	Skipped    bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// DocResult is the terminal outcome of one document.
type DocResult struct {
	Key         string         `json:"key" yaml:"key"`
	Identifier  string         `json:"resume_id" yaml:"resume_id"`
	State       DocState       `json:"state" yaml:"state"`
	IsDuplicate bool           `json:"is_duplicate" yaml:"is_duplicate"`
	Fallback    bool           `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Outcomes    []StoreOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Resume      *Resume        `json:"-" yaml:"-"`
}

// Run is one persisted ingestion run in the run ledger.
type Run struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Summary    []byte    `json:"summary"`
}
