package service

import (
	"context"
	"errors"
	"fmt"

	"video-segmentation/internal/engine"
	"video-segmentation/internal/framestore"
	"video-segmentation/internal/rle"
	"video-segmentation/internal/source"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session has an operation in flight")
	ErrNoResults         = errors.New("no propagation results")
	ErrInvalidAnnotation = errors.New("invalid annotation")
	ErrEngineFailure     = errors.New("segmentation engine failure")
	ErrRenderFailed      = errors.New("render failed")
	// ErrClientGone is returned when the propagation sink stops accepting
	// frames.
	ErrClientGone = errors.New("stream consumer went away")
	// ErrShuttingDown is returned for new sessions once Shutdown began.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Stable error identifiers reported to clients.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeNoResults           = "NO_RESULTS"
	CodeSessionBusy         = "SESSION_BUSY"
	CodeMalformedEncoding   = "MALFORMED_ENCODING"
	CodeRenderFailed        = "RENDER_FAILED"
	CodeInvalidSessionState = "INVALID_SESSION_STATE"
	CodeInvalidAnnotation   = "INVALID_ANNOTATION"
	CodeFrameNotFound       = "FRAME_NOT_FOUND"
	CodeEngineFailure       = "ENGINE_FAILURE"
	CodeCancelled           = "CANCELLED"
	CodeInternal            = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionBusy, CodeSessionBusy},
	{ErrNoResults, CodeNoResults},
	{ErrInvalidAnnotation, CodeInvalidAnnotation},
	{ErrRenderFailed, CodeRenderFailed},
	{source.ErrSourceUnavailable, CodeSourceUnavailable},
	{framestore.ErrExtractionFailed, CodeExtractionFailed},
	{framestore.ErrFrameNotFound, CodeFrameNotFound},
	{rle.ErrMalformedEncoding, CodeMalformedEncoding},
	{engine.ErrInvalidState, CodeInvalidSessionState},
	{engine.ErrNoHandle, CodeInvalidSessionState},
	{ErrEngineFailure, CodeEngineFailure},
	{ErrClientGone, CodeCancelled},
	{context.Canceled, CodeCancelled},
	{context.DeadlineExceeded, CodeCancelled},
}

// ErrorCode maps err to its stable identifier.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// engineError tags an engine failure while keeping state and cancellation
// errors recognizable.
func engineError(op string, err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrNoHandle),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrEngineFailure, op, err)
}
