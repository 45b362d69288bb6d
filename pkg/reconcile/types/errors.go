package types

import (
	"errors"
	"fmt"
	"time"
)

type ErrEmpty struct {
	Field string
}

func (e ErrEmpty) Error() string {
	return fmt.Sprintf("%s cannot be empty", e.Field)
}

// RetriableError wraps an error that is safe to retry. Backoff loops use it to
// distinguish transient failures from permanent ones.
type RetriableError struct {
	err error
}

func NewRetriableError(err error) RetriableError {
	return RetriableError{err: err}
}

func (e RetriableError) Error() string {
	return fmt.Sprintf("retriable error: %s", e.err)
}

func (e RetriableError) Unwrap() error {
	return e.err
}

// IsRetriable reports whether err or any error in its chain is a
// RetriableError.
func IsRetriable(err error) bool {
	var re RetriableError
	return errors.As(err, &re)
}

// TransientFetchError indicates a source listing failed for a reason that may
// resolve on its own: network trouble, rate limiting, or a 5xx from the
// upstream service. Retried with backoff before being surfaced.
type TransientFetchError struct {
	source string
	err    error
}

func NewTransientFetchError(source string, err error) TransientFetchError {
	return TransientFetchError{source: source, err: err}
}

func (e TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error from %s: %s", e.source, e.err)
}

func (e TransientFetchError) Unwrap() error {
	return e.err
}

func (e TransientFetchError) Source() string {
	return e.source
}

// FatalFetchError indicates a source listing failed permanently:
// authentication, authorization, or a response the client cannot decode.
// Aborts the run.
type FatalFetchError struct {
	source string
	err    error
}

func NewFatalFetchError(source string, err error) FatalFetchError {
	return FatalFetchError{source: source, err: err}
}

func (e FatalFetchError) Error() string {
	return fmt.Sprintf("fatal fetch error from %s: %s", e.source, e.err)
}

func (e FatalFetchError) Unwrap() error {
	return e.err
}

func (e FatalFetchError) Source() string {
	return e.source
}

// NormalizationError indicates a provider or index identifier could not be
// mapped onto a canonical key. The offending descriptor is routed to the
// report's skipped bucket; the error never aborts a run.
type NormalizationError struct {
	rawID  string
	reason string
}

func NewNormalizationError(rawID string, reason string) NormalizationError {
	return NormalizationError{rawID: rawID, reason: reason}
}

func (e NormalizationError) Error() string {
	return fmt.Sprintf("cannot normalize identifier %q: %s", e.rawID, e.reason)
}

func (e NormalizationError) RawID() string {
	return e.rawID
}

// ConcurrentRunError indicates another run already holds the lease for the
// same product and window.
type ConcurrentRunError struct {
	product string
	holder  string
	expires time.Time
}

func NewConcurrentRunError(product string, holder string, expires time.Time) ConcurrentRunError {
	return ConcurrentRunError{product: product, holder: holder, expires: expires}
}

func (e ConcurrentRunError) Error() string {
	return fmt.Sprintf("run lease for product %s is held by run %s until %s", e.product, e.holder, e.expires.Format(time.RFC3339))
}

func (e ConcurrentRunError) Holder() string {
	return e.holder
}

// IncompleteReportError indicates a report file is missing its trailing
// completeness sentinel and must not be treated as authoritative.
type IncompleteReportError struct {
	reportID string
}

func NewIncompleteReportError(reportID string) IncompleteReportError {
	return IncompleteReportError{reportID: reportID}
}

func (e IncompleteReportError) Error() string {
	return fmt.Sprintf("report %s has no completeness sentinel; refusing to read it", e.reportID)
}

func (e IncompleteReportError) ReportID() string {
	return e.reportID
}
