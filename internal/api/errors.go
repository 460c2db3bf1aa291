package api

import "fmt"

// APICallFailed reports an adapter action that did not succeed.
type APICallFailed struct {
	Action string
	Msg    string
	Cause  error
}

func (e *APICallFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Action, e.Msg, e.Cause)
	}
	return e.Action + ": " + e.Msg
}

func (e *APICallFailed) Unwrap() error { return e.Cause }
func (e *APICallFailed) Kind() string  { return "APICallFailed" }

// ParamMissingError reports a parameter that has no usable default in the
// current session.
type ParamMissingError struct {
	Method string
	Param  string
}

func (e *ParamMissingError) Error() string {
	return fmt.Sprintf("%s: 缺少参数 %s", e.Method, e.Param)
}

func (e *ParamMissingError) Kind() string { return "ParamMissing" }

type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }
func (e *TimeoutError) Kind() string  { return "TimeoutError" }

// RuntimeError carries a script-chosen message over the original failure.
type RuntimeError struct {
	Msg   string
	Cause error
}

func (e *RuntimeError) Error() string { return e.Msg }
func (e *RuntimeError) Unwrap() error { return e.Cause }
func (e *RuntimeError) Kind() string  { return "RuntimeError" }
