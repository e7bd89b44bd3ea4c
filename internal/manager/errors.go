package manager

// busyError signals that a generation is already in flight, for 429 mapping.
type busyError struct{ modelID string }

func (e busyError) Error() string {
	if e.modelID == "" {
		return "generation already in flight"
	}
	return "generation already in flight: " + e.modelID
}

// ErrBusy constructs the single-slot rejection error.
func ErrBusy(modelID string) error { return busyError{modelID: modelID} }

// IsBusy reports whether err means the single generation slot was taken.
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}

// noLastRequestError signals a retry with nothing to replay.
type noLastRequestError struct{}

func (noLastRequestError) Error() string { return "no previous generation to retry" }

// ErrNoLastRequest constructs the retry-without-history error.
func ErrNoLastRequest() error { return noLastRequestError{} }

// IsNoLastRequest reports whether err means retry had nothing to replay.
func IsNoLastRequest(err error) bool {
	_, ok := err.(noLastRequestError)
	return ok
}
