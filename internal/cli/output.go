package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the server or a submitted task failed
	ExitCommandError = 2 // bad arguments, unreadable config or database
)

// ExitError carries the exit status a command failure maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns a failure with no underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit status and context to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the status for err. Errors without an ExitError in
// their chain are failures.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// exitLabel names an exit status in structured error output.
func exitLabel(code int) string {
	switch code {
	case ExitSuccess:
		return "ok"
	case ExitCommandError:
		return "command_error"
	}
	return "failure"
}

// Envelope wraps every json and yaml result.
type Envelope struct {
	Status string         `json:"status" yaml:"status"`
	Data   any            `json:"data,omitempty" yaml:"data,omitempty"`
	Error  *EnvelopeError `json:"error,omitempty" yaml:"error,omitempty"`
}

// EnvelopeError describes a failed command.
type EnvelopeError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Cause   string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// OutputFormatter renders command results as text, json or yaml.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// Success writes a result. Text output prints data with fmt, so views
// implement fmt.Stringer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "text" || f.Format == "" {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return f.encode(Envelope{Status: "ok", Data: data})
}

// Failure writes err. The innermost cause is shown in structured output
// always and in text output only when verbose.
func (f *OutputFormatter) Failure(err error) error {
	msg := err.Error()
	var cause string
	var ee *ExitError
	if errors.As(err, &ee) {
		msg = ee.Message
		if ee.Err != nil {
			cause = rootCause(ee.Err).Error()
		}
	}
	code := exitLabel(GetExitCode(err))

	if f.Format == "text" || f.Format == "" {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, msg)
		if f.Verbose && cause != "" {
			fmt.Fprintf(f.Writer, "  cause: %s\n", cause)
		}
		return nil
	}
	return f.encode(Envelope{
		Status: "error",
		Error:  &EnvelopeError{Code: code, Message: msg, Cause: cause},
	})
}

func (f *OutputFormatter) encode(v any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(v)
	}
	enc := yaml.NewEncoder(f.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
