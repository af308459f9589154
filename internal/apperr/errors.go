package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/caption-floater/pkg/log"
)

type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrNetwork
	ErrNoCaptionData
	ErrNoCueText
	ErrMalformedTrackList
	ErrMissingCredential
	ErrInvalidCredential
	ErrMissingModel
	ErrModelNotAvailable
	ErrNoEligibleModels
	ErrRemote
	ErrUnexpectedResponseShape
	ErrDelivery
	ErrValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrNetwork:
		return "Network"
	case ErrNoCaptionData:
		return "NoCaptionData"
	case ErrNoCueText:
		return "NoCueText"
	case ErrMalformedTrackList:
		return "MalformedTrackList"
	case ErrMissingCredential:
		return "MissingCredential"
	case ErrInvalidCredential:
		return "InvalidCredential"
	case ErrMissingModel:
		return "MissingModel"
	case ErrModelNotAvailable:
		return "ModelNotAvailable"
	case ErrNoEligibleModels:
		return "NoEligibleModels"
	case ErrRemote:
		return "Remote"
	case ErrUnexpectedResponseShape:
		return "UnexpectedResponseShape"
	case ErrDelivery:
		return "Delivery"
	case ErrValidation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// ParseType is the inverse of ErrorType.String. Unknown names map to ErrUnknown.
func ParseType(name string) ErrorType {
	for t := ErrUnknown; t <= ErrValidation; t++ {
		if t.String() == name {
			return t
		}
	}
	return ErrUnknown
}

// Error is the typed failure carried across the extractor, gateway and
// session boundaries.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(errorType ErrorType, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...))
}

func Wrap(cause error, errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the ErrorType of the first *Error in err's chain.
func TypeOf(err error) ErrorType {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrUnknown
}

func IsErrorType(err error, errorType ErrorType) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// ErrDeliveryUnreachable is the "no receiving endpoint" condition.
var ErrDeliveryUnreachable = New(ErrDelivery, "no receiving endpoint")

// IsDelivery reports whether err means the receiving side was not there.
func IsDelivery(err error) bool {
	return IsErrorType(err, ErrDelivery)
}

// Advice returns a short operator hint for err.
func Advice(err error) string {
	switch TypeOf(err) {
	case ErrNetwork:
		return "Check network connectivity to the video site and retry"
	case ErrNoCaptionData:
		return "The video exposes no caption tracks; try another video or language"
	case ErrNoCueText:
		return "The caption track was empty"
	case ErrMalformedTrackList:
		return "The page layout changed; the caption track list could not be parsed"
	case ErrMissingCredential, ErrInvalidCredential:
		return "Set a valid API key in the settings"
	case ErrMissingModel, ErrModelNotAvailable, ErrNoEligibleModels:
		return "Refresh the model list and select an available model"
	case ErrRemote:
		return "The translation API rejected the request; check the key, quota and service status"
	case ErrUnexpectedResponseShape:
		return "The translation API returned an unexpected payload"
	case ErrDelivery:
		return "The background service is not reachable; make sure it is running"
	case ErrValidation:
		return "Check the request parameters"
	default:
		return "Review the error details"
	}
}

// Report logs err together with its advice.
func Report(op string, err error) {
	if err == nil {
		return
	}
	log.Error("%s failed: %v (advice: %s)", op, err, Advice(err))
}
