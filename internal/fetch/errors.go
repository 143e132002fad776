package fetch

import "fmt"

// Kind classifies a clone failure.
type Kind string

const (
	KindInvalidURL Kind = "invalid_url"
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindProtocol   Kind = "protocol"
	KindCanceled   Kind = "canceled"
	KindSpawn      Kind = "spawn"
)

// CloneError is returned by Fetch. Detail holds the tail of git's output.
type CloneError struct {
	URL    string
	Kind   Kind
	Cause  error
	Detail string
}

func (e *CloneError) Error() string {
	msg := fmt.Sprintf("clone %s (%s): %v", e.URL, e.Kind, e.Cause)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CloneError) Unwrap() error { return e.Cause }
