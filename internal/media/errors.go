// Package media は動画のスクランブル処理機能を提供します。
package media

import (
	"errors"
	"fmt"
)

// Error は処理失敗の分類情報を持つエラーです。
// Transient が真なら一時的な失敗（再投入で回復しうる）、
// 偽なら入力自体の問題（再試行しても回復しない）を表します。
type Error struct {
	Code      string
	Message   string
	Transient bool
	Err       error
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

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func newTransientError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Transient: true, Err: err}
}

// IsTransient は失敗が一時的なものかを判定します。
// 分類できないエラーは一時的な失敗として扱います（再試行回数は台帳側で制限されます）。
func IsTransient(err error) bool {
	var mediaErr *Error
	if errors.As(err, &mediaErr) {
		return mediaErr.Transient
	}
	return true
}

// Reason は失敗理由を人間が読める1行にします。台帳の error_message に入ります。
func Reason(err error) string {
	var mediaErr *Error
	if errors.As(err, &mediaErr) {
		return mediaErr.Message
	}
	return err.Error()
}
