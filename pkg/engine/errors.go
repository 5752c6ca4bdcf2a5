package engine

import "fmt"

// ParseError reports a malformed playbook. Line is 1-based and zero when
// the position is unknown.
type ParseError struct {
	File    string
	Line    int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	where := e.File
	if e.Line > 0 {
		where = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", where, e.Message, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", where, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError.
func NewParseError(file string, line int, message string, err error) *ParseError {
	return &ParseError{File: file, Line: line, Message: message, Err: err}
}

// UnsupportedFeatureError reports a recognized playbook construct that this
// engine deliberately does not implement. Loading fails up front rather than
// silently ignoring the keyword mid-run.
type UnsupportedFeatureError struct {
	Feature string
	File    string
	Line    int
}

func (e *UnsupportedFeatureError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: unsupported feature %q", e.File, e.Line, e.Feature)
	}
	return fmt.Sprintf("unsupported feature %q", e.Feature)
}
