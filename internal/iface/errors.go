package iface

import (
	"fmt"
	"strings"
)

type ParamMismatchError struct {
	Method   string
	Param    string
	Expected string
	Actual   string
}

func (e *ParamMismatchError) Error() string {
	return fmt.Sprintf("%s: 参数 %s 类型不匹配, 期望 %s, 实际为 %s", e.Method, e.Param, e.Expected, e.Actual)
}

func (e *ParamMismatchError) Kind() string { return "ParamMismatch" }

type OverloadMismatchError struct {
	Method     string
	Args       []string
	Candidates []string
}

func (e *OverloadMismatchError) Error() string {
	return fmt.Sprintf("%s: 没有与参数 (%s) 匹配的重载, 可用: %s",
		e.Method, strings.Join(e.Args, ", "), strings.Join(e.Candidates, "; "))
}

func (e *OverloadMismatchError) Kind() string { return "OverloadMismatch" }

type NoMethodDescriptionError struct {
	Method string
}

func (e *NoMethodDescriptionError) Error() string {
	return fmt.Sprintf("未找到方法 %s 的描述", e.Method)
}

func (e *NoMethodDescriptionError) Kind() string { return "NoMethodDescription" }
