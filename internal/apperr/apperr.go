// Package apperr は呼び出し側が分岐に使う安定したエラー分類を定義します。
package apperr

import (
	"errors"
	"fmt"
)

// Code は機械可読なエラー分類です。
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeNotReady         Code = "NOT_READY"
	CodeGone             Code = "GONE"
	CodeProcessingFailed Code = "PROCESSING_FAILED"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error は分類コードと利用者向けメッセージを持つエラーです。
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New は Error を作成します。
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(CodeValidation, message, nil)
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message, nil)
}

func NotReady(message string) *Error {
	return New(CodeNotReady, message, nil)
}

func Gone(message string, err error) *Error {
	return New(CodeGone, message, err)
}

// CodeOf は err の分類を返します。分類のないエラーは CodeInternal です。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is は err が code に分類されるかを返します。
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
