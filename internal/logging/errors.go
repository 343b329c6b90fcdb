package logging

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRetryable
	KindInvalidToken
	KindAlreadyAccepted
	KindResourceNotFound
	KindAlreadyExists
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindInvalidToken:
		return "invalid_token"
	case KindAlreadyAccepted:
		return "already_accepted"
	case KindResourceNotFound:
		return "resource_not_found"
	case KindAlreadyExists:
		return "already_exists"
	default:
		return "other"
	}
}

// ResourceLevel tells which resource a ResourceNotFound error refers to.
type ResourceLevel int

const (
	LevelUnknown ResourceLevel = iota
	LevelGroup
	LevelStream
)

func (l ResourceLevel) String() string {
	switch l {
	case LevelGroup:
		return "group"
	case LevelStream:
		return "stream"
	default:
		return "unknown"
	}
}

// TransportError is a classified failure of a Transport call.
type TransportError struct {
	Kind ErrorKind
	// Level is set for KindResourceNotFound.
	Level ResourceLevel
	// CorrectedToken is set for KindInvalidToken and KindAlreadyAccepted.
	CorrectedToken string
	Err            error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Kind.String()
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func ErrRetryable(err error) error {
	return &TransportError{Kind: KindRetryable, Err: err}
}

func ErrInvalidToken(corrected string, err error) error {
	return &TransportError{Kind: KindInvalidToken, CorrectedToken: corrected, Err: err}
}

func ErrAlreadyAccepted(corrected string, err error) error {
	return &TransportError{Kind: KindAlreadyAccepted, CorrectedToken: corrected, Err: err}
}

func ErrNotFound(level ResourceLevel, err error) error {
	return &TransportError{Kind: KindResourceNotFound, Level: level, Err: err}
}

func ErrAlreadyExists(err error) error {
	return &TransportError{Kind: KindAlreadyExists, Err: err}
}

// Classify returns the transport error carried by err. Unclassified errors
// are reported as KindOther.
func Classify(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Kind: KindOther, Err: err}
}

func IsAlreadyExists(err error) bool {
	return err != nil && Classify(err).Kind == KindAlreadyExists
}
