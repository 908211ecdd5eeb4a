package bus

import (
	"errors"
	"fmt"
)

// ErrPermanent marks a handler failure that redelivery cannot fix, such as
// a message that does not decode.
var ErrPermanent = errors.New("permanent handler failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPermanent, e.err)
}

func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so the subscriber drops the message instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
