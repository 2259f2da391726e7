package ingest

import "errors"

var (
	// ErrSequenceInconsistency means a decoded reading's sequence id falls
	// outside the footer-claimed range. Either a codec bug or adversarial
	// input; never swallowed.
	ErrSequenceInconsistency = errors.New("sequence id outside claimed range")

	// ErrStreamerMismatch means the report's header identifies a different
	// streamer than the one the submission was filed against.
	ErrStreamerMismatch = errors.New("report streamer does not match submission")

	// ErrSelectorUnsupported covers v1-era channels the current engine
	// refuses to process.
	ErrSelectorUnsupported = errors.New("streamer selector not supported by this engine")
)
