// Package errors defines the error taxonomy for the collection scanner:
// transient-retryable provider errors, fatal protocol errors, and step-scoped
// domain errors whose discriminator is persisted into document state.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/collection-scanner/internal/types"
)

// Category classifies an error for retry and persistence decisions
type Category string

const (
	// CategoryTransient covers rate limits, timeouts and server errors; retried with backoff
	CategoryTransient Category = "transient"
	// CategoryFatal covers malformed requests and decode failures; never retried
	CategoryFatal Category = "fatal"
	// CategoryStep covers step-scoped domain errors carrying a pipeline discriminator
	CategoryStep Category = "step"
	// CategoryUnknown covers errors whose failure point is not trusted
	CategoryUnknown Category = "unknown"
)

// Sentinel errors for adapter and pool contracts
var (
	// ErrUnsupportedChain is returned when no providers are configured for a chain id
	ErrUnsupportedChain = errors.New("unsupported chain id")
	// ErrDecode is returned when a log is missing a required field
	ErrDecode = errors.New("decode error")
	// ErrNotFound is returned when a required on-chain record does not exist
	ErrNotFound = errors.New("not found")
	// ErrURIUnavailable is returned when neither base-URI nor tokenURI yields a URI
	ErrURIUnavailable = errors.New("token uri unavailable")
	// ErrRangeTooLarge classifies a provider rejecting an oversized block window
	ErrRangeTooLarge = errors.New("block range too large")
)

// StepError tags an error with the pipeline step that produced it. The step
// discriminator is persisted verbatim so a later pass can re-run just that step.
type StepError struct {
	Step  string // RefreshStep or CreationStep value, or "unknown"
	Cause error
}

func (e *StepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Step, e.Cause)
	}
	return e.Step
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Token step error constructors

// NewURIError wraps a failure in the token Uri step
func NewURIError(cause error) *StepError {
	return &StepError{Step: string(types.RefreshURI), Cause: cause}
}

// NewMetadataError wraps a failure in the token Metadata step
func NewMetadataError(cause error) *StepError {
	return &StepError{Step: string(types.RefreshMetadata), Cause: cause}
}

// NewImageError wraps a failure in the token Image step
func NewImageError(cause error) *StepError {
	return &StepError{Step: string(types.RefreshImage), Cause: cause}
}

// NewAggregateError wraps a failure in the token Aggregate step
func NewAggregateError(cause error) *StepError {
	return &StepError{Step: string(types.RefreshAggregate), Cause: cause}
}

// NewCreationStepError wraps a failure in a collection creation step
func NewCreationStepError(step types.CreationStep, cause error) *StepError {
	return &StepError{Step: string(step), Cause: cause}
}

// UnknownStepDiscriminator is the reserved discriminator for untrusted failures
const UnknownStepDiscriminator = "unknown"

// NewUnknownError wraps an error whose failure point is not trusted
func NewUnknownError(cause error) *StepError {
	return &StepError{Step: UnknownStepDiscriminator, Cause: cause}
}

// AsStepError extracts a StepError from err's chain, if present
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// transient error fragments observed from RPC providers and HTTP upstreams
var transientFragments = []string{
	"429",
	"rate limit",
	"too many requests",
	"throttl",
	"timeout",
	"timed out",
	"deadline exceeded",
	"internal error",
	"internal server error",
	"502",
	"503",
	"connection reset",
	"connection refused",
	"eof",
}

// fatal error fragments indicating a malformed request; never retried
var fatalFragments = []string{
	"invalid params",
	"invalid argument",
	"method not found",
	"not supported",
	"invalid opcode",
}

// IsTransient reports whether err looks like a transient provider failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err indicates a malformed request or decode failure
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDecode) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range fatalFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsRangeTooLarge reports whether err indicates an oversized block window.
// Providers phrase this differently; match the common variants.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "range too large") ||
		strings.Contains(msg, "block range") ||
		strings.Contains(msg, "query returned more than") ||
		strings.Contains(msg, "log response size exceeded")
}

// Classify returns the category of an error for retry decisions
func Classify(err error) Category {
	switch {
	case err == nil:
		return ""
	case IsFatal(err):
		return CategoryFatal
	case IsTransient(err):
		return CategoryTransient
	default:
		if _, ok := AsStepError(err); ok {
			return CategoryStep
		}
		return CategoryUnknown
	}
}
