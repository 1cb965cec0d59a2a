// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the requested entity (room, service, archive) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the requestor may not access the archive.
	ErrForbidden = errors.New("forbidden")

	// ErrMalformedFilter indicates a query filter value could not be parsed.
	// It is recovered locally: the filter is treated as absent.
	ErrMalformedFilter = errors.New("malformed filter")

	// ErrUnrepresentableRecord indicates a stored record has nothing that can be forwarded.
	// It is recovered locally: the record is dropped.
	ErrUnrepresentableRecord = errors.New("unrepresentable record")

	// ErrBadCursor indicates a paging cursor that does not reference a record id.
	ErrBadCursor = errors.New("bad paging cursor")

	// ErrPoolClosed indicates a task was submitted after the worker pool started draining.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrNotConnected indicates the stanza recipient has no live session.
	ErrNotConnected = errors.New("recipient not connected")

	// ErrUnauthorized indicates failed authentication of a transport session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates too many failed authentication attempts.
	ErrRateLimited = errors.New("rate limited")
)
