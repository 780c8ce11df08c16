package provider

import (
	"context"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// FallbackID is the identity of the no-network provider.
const FallbackID = "deterministic-fallback"

// FallbackRationale is the fixed rationale every fallback assessment
// carries. Regression harnesses assert on it byte-for-byte.
const FallbackRationale = "No extraction provider configured; datapoint assessed as Absent by deterministic fallback."

// Fallback never calls out. Every datapoint comes back Absent with the
// fixed rationale, which makes full runs reproducible with zero external
// dependencies.
type Fallback struct{}

func NewFallback() *Fallback {
	return &Fallback{}
}

func (f *Fallback) ID() string {
	return FallbackID
}

func (f *Fallback) Extract(_ context.Context, _ Prompt) (contracts.Extraction, error) {
	return contracts.Extraction{
		Status:           contracts.StatusAbsent,
		EvidenceChunkIDs: []string{},
		Rationale:        FallbackRationale,
	}, nil
}
