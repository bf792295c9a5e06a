package picload

import "github.com/meigma/picload/preload"

// Re-export progress types from the preload package.
type (
	// ProgressEvent reports that one URL of a Preload batch has settled.
	ProgressEvent = preload.ProgressEvent

	// Outcome describes what happened to one URL during Preload.
	Outcome = preload.Outcome

	// ProgressFunc receives progress updates during Preload.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = preload.ProgressFunc
)

// Re-export outcome constants.
const (
	// OutcomeCached indicates the URL was already cached.
	OutcomeCached = preload.OutcomeCached

	// OutcomeFetched indicates the URL was downloaded and cached.
	OutcomeFetched = preload.OutcomeFetched

	// OutcomeFailed indicates the download failed.
	OutcomeFailed = preload.OutcomeFailed

	// OutcomeInvalid indicates an empty URL was skipped.
	OutcomeInvalid = preload.OutcomeInvalid
)
