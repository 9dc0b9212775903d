package penumbra

import "errors"

var (
	// ErrArgumentMissing reports an empty batch.
	ErrArgumentMissing = errors.New("no files or resources given")
	// ErrResourceMissingURL reports a remote resource submitted without a URL.
	ErrResourceMissingURL = errors.New("remote resource has no URL")
	// ErrSizeUndetermined reports a transform on a file whose size is unknown.
	ErrSizeUndetermined = errors.New("file size undetermined")
	// ErrTooLargeForFallback reports a batch whose declared sizes exceed what
	// buffered processing is willing to hold in memory.
	ErrTooLargeForFallback = errors.New("batch too large for buffered processing")
	// ErrMultipleFilesNotSupported reports an operation that accepts exactly
	// one file being given several.
	ErrMultipleFilesNotSupported = errors.New("multiple files not supported")
)
