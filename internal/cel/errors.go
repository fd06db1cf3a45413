package cel

import "fmt"

// ParseError reports a malformed predicate. Rules with unparseable
// predicates are rejected at creation time, never at evaluation time.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Msg)
}

// EvaluationError reports a predicate that references missing or mistyped
// data at run time. Callers skip the offending rule for that alert only.
type EvaluationError struct {
	Msg string
}

func (e *EvaluationError) Error() string {
	return "evaluation error: " + e.Msg
}

func evalErrorf(format string, args ...interface{}) *EvaluationError {
	return &EvaluationError{Msg: fmt.Sprintf(format, args...)}
}
