package offlinecache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig   = errors.New("offlinecache: invalid config")
	ErrInvalidState    = errors.New("offlinecache: invalid state transition")
	ErrUnknownEvent    = errors.New("offlinecache: unknown event")
	ErrUnknownMessage  = errors.New("offlinecache: unknown message type")
	ErrNoWaitingWorker = errors.New("offlinecache: no waiting worker")
	ErrClosed          = errors.New("offlinecache: manager closed")
)

// InstallAssetFetchError reports a bootstrap asset that could not be retrieved.
// Status is set when the network answered with something other than 200.
type InstallAssetFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *InstallAssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install: fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("install: fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *InstallAssetFetchError) Unwrap() error { return e.Err }

// CacheWriteError reports a response that could not be stored, e.g. quota exceeded.
type CacheWriteError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s in %s: %v", e.Key, e.Bucket, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// CacheDeleteError reports a stale bucket that could not be removed.
type CacheDeleteError struct {
	Bucket string
	Err    error
}

func (e *CacheDeleteError) Error() string {
	return fmt.Sprintf("cache delete %s: %v", e.Bucket, e.Err)
}

func (e *CacheDeleteError) Unwrap() error { return e.Err }

// NetworkUnavailableError reports a runtime fetch that failed with no cached fallback.
type NetworkUnavailableError struct {
	URL string
	Err error
}

func (e *NetworkUnavailableError) Error() string {
	return fmt.Sprintf("network unavailable for %s: %v", e.URL, e.Err)
}

func (e *NetworkUnavailableError) Unwrap() error { return e.Err }
