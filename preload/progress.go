package preload

// Outcome describes what happened to one URL during Preload.
type Outcome uint8

// Preload outcomes.
const (
	// OutcomeCached means the URL was already in the cache and was skipped.
	OutcomeCached Outcome = iota

	// OutcomeFetched means the URL was downloaded and written to the cache.
	OutcomeFetched

	// OutcomeFailed means the download failed; the URL stays uncached.
	OutcomeFailed

	// OutcomeInvalid means the URL was empty and never scheduled.
	OutcomeInvalid
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeFetched:
		return "fetched"
	case OutcomeFailed:
		return "failed"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ProgressEvent reports that one URL of a Preload batch has settled.
type ProgressEvent struct {
	// URL is the asset that settled.
	URL string

	// Outcome is what happened to it.
	Outcome Outcome

	// Err is the failure for OutcomeFailed, nil otherwise.
	Err error

	// Done is the number of URLs settled so far, including this one.
	Done int

	// Total is the number of URLs in the batch.
	Total int
}

// ProgressFunc receives progress updates during Preload.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
