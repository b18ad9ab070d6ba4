package telegram

import "errors"

// Result is the outcome of Authenticate. It is either Valid or Invalid.
type Result interface {
	isResult()
}

// Valid carries the verified launch data without the hash entry
type Valid struct {
	Data map[string]string
}

// Invalid carries the reason verification failed
type Invalid struct {
	Reason string
	Err    error
}

func (Valid) isResult()   {}
func (Invalid) isResult() {}

// Expired reports whether the data was rejected only because auth_date is too old
func (i Invalid) Expired() bool {
	return errors.Is(i.Err, ErrExpired)
}

func invalid(err error) Invalid {
	reason := err.Error()
	var coded interface{ Message() string }
	if errors.As(err, &coded) {
		reason = coded.Message()
	}
	return Invalid{Reason: reason, Err: err}
}
