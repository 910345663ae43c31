package generation

import (
	"errors"
	"fmt"

	"github.com/suPer8Hu/videogen-platform/internal/ledger"
)

var (
	ErrInsufficientCredits      = ledger.ErrInsufficientCredits
	ErrDispatchFailed           = errors.New("dispatch failed")
	ErrOutOfOrderSegment        = errors.New("segment index is not the expected next segment")
	ErrMissingContinuationInput = errors.New("no last frame available for continuation")
	ErrExtractionTimedOut       = errors.New("frame extraction timed out")
	ErrExtractionFailed         = errors.New("frame extraction failed")
	ErrStitchFailed             = errors.New("stitching failed")
	ErrGenerationFailed         = errors.New("generation failed")
	ErrRecordNotFound           = errors.New("generation record not found")

	ErrInvalidDuration    = errors.New("duration out of range")
	ErrInvalidSegmentUnit = errors.New("unsupported segment unit")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("generation is not in a state that allows this")
)

type DispatchReason string

const (
	ReasonAuth    DispatchReason = "auth"
	ReasonModel   DispatchReason = "model"
	ReasonInput   DispatchReason = "input"
	ReasonUnknown DispatchReason = "unknown"
)

// DispatchError wraps a failed submission to the video provider.
type DispatchError struct {
	Reason DispatchReason
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed (%s): %v", e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }

// FailureDetailGeneration is stored on records the provider failed; the
// provider's own text is only logged.
const FailureDetailGeneration = "video generation failed, please try again later (credits refunded)"
