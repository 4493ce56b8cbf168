package invoke

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// StatusError is a transport failure carrying the endpoint status code. It
// implements retry.StatusCoder so the retry policy can classify it without
// importing this package.
type StatusError struct {
	// Code is the endpoint status code.
	Code int
	// Message is the underlying failure text.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.Code, e.Message)
}

// StatusCode returns the endpoint status code.
func (e *StatusError) StatusCode() int { return e.Code }

// IsAuthExpired reports whether the error is an authentication-expiry
// status. Such errors are never retried by the invoker; they are surfaced
// so a one-shot credential refresh can run above it.
func IsAuthExpired(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 401
}

// statusPattern matches the status code the transport layer embeds in its
// error text for non-success HTTP responses.
var statusPattern = regexp.MustCompile(`status(?: code)?[ :]+(\d{3})`)

// wrapTransportError lifts a raw transport error into a StatusError when a
// status code can be recovered from it, so the retry classifier and the
// auth-refresh layer can branch on the code. Errors without a recognizable
// status pass through unchanged.
func wrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return err
	}
	return &StatusError{Code: code, Message: err.Error()}
}
