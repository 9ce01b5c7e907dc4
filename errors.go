package nmapai

import "github.com/pkg/errors"

// Error taxonomy for the pipeline. Stages wrap one of these sentinels so
// callers can classify failures with errors.Is without inspecting messages.
//
// Fatal: ErrInput, ErrScan, and ErrConfig (the latter only when annotation
// was requested). Everything else degrades: the run keeps going on the best
// obtainable artifact set.
var (
	// Bad or missing target file
	ErrInput = errors.New("invalid input")
	// Annotation script could not be resolved
	ErrConfig = errors.New("invalid configuration")
	// Annotation database could not be obtained
	ErrDataSource = errors.New("data source unavailable")
	// Primary scan failed
	ErrScan = errors.New("scan failed")
	// A single probe invocation failed
	ErrProbe = errors.New("probe failed")
	// Inference request failed in transit or returned garbage
	ErrTransport = errors.New("transport failure")
	// Inference endpoint throttled us
	ErrRateLimit = errors.New("rate limited")
)
