package bitbucket

import "fmt"

// ConfigError reports a repository that cannot be addressed: a malformed
// repository URL or a missing dialect setting. It aborts that repository's sync only.
type ConfigError struct {
	RepoURL string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid repository %q: %s: %v", e.RepoURL, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid repository %q: %s", e.RepoURL, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError is a failed HTTP exchange: the request could not be sent or the
// server answered with a non-2xx status.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("Bitbucket API error: %d %s - %s", e.Status, e.URL, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a payload that is not JSON or lacks a field the selected
// dialect requires.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decode %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownStateError reports a pull request state outside the dialect's state table.
type UnknownStateError struct {
	Number int64
	State  string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("pull request #%d has unknown state %q", e.Number, e.State)
}

// WalkError aborts a pagination context and names the page that failed.
type WalkError struct {
	URL string
	Err error
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("walk failed at %s: %v", e.URL, e.Err)
}

func (e *WalkError) Unwrap() error { return e.Err }
