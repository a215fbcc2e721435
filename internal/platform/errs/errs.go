package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// ===== Error model =====
// assets/lends/disposals で個別に持っていた Code + APIError を共通化したもの

type Code string

const (
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeLimitExceeded  Code = "LIMIT_EXCEEDED"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeValidation     Code = "VALIDATION"
	CodeStorageFailure Code = "STORAGE_FAILURE"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeInternal       Code = "INTERNAL"
)

// 状態遷移の失敗理由（Code より細かい粒度）
const (
	ReasonCopyUnavailable      = "copy_unavailable"
	ReasonLoanLimitReached     = "loan_limit_reached"
	ReasonReservationLimit     = "reservation_limit_reached"
	ReasonRenewalLimit         = "renewal_limit_reached"
	ReasonAlreadyReturned      = "already_returned"
	ReasonLoanLost             = "loan_lost"
	ReasonReservationPending   = "reservation_pending"
	ReasonReservationCancelled = "reservation_cancelled"
	ReasonReservationExpired   = "reservation_expired"
	ReasonReservationNotHeld   = "reservation_not_held"
	ReasonStudentInactive      = "student_inactive"
	ReasonNoCirculatingCopies  = "no_circulating_copies"
	ReasonNotDeleted           = "not_deleted"
	ReasonDuplicate            = "duplicate"
	ReasonConcurrentUpdate     = "concurrent_update"
	ReasonReminderAlreadySent  = "reminder_already_sent"
	ReasonStatusTransition     = "status_transition"
)

type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) *Error { return &Error{Code: CodeNotFound, Message: msg} }
func Invalid(msg string) *Error  { return &Error{Code: CodeValidation, Message: msg} }
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}
func Forbidden(msg string) *Error { return &Error{Code: CodeForbidden, Message: msg} }

func Conflict(reason, msg string) *Error {
	return &Error{Code: CodeConflict, Reason: reason, Message: msg}
}

func LimitExceeded(reason, msg string) *Error {
	return &Error{Code: CodeLimitExceeded, Reason: reason, Message: msg}
}

func InvalidState(reason, msg string) *Error {
	return &Error{Code: CodeInvalidState, Reason: reason, Message: msg}
}

// Storage は下位ストアのエラーを包む。原因は errors.Is/As で辿れる
func Storage(msg string, err error) *Error {
	return &Error{Code: CodeStorageFailure, Message: msg, Err: err}
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func Is(err error, code Code) bool { return err != nil && CodeOf(err) == code }

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeLimitExceeded, CodeInvalidState:
		return http.StatusUnprocessableEntity
	case CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ---------- handler helpers ----------

type ErrorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func Body(code Code, msg string) ErrorDTO {
	var e ErrorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// FromErr はレスポンス用に変換する。内部エラーの詳細は外に出さない
func FromErr(err error) ErrorDTO {
	var e *Error
	if errors.As(err, &e) {
		b := Body(e.Code, e.Message)
		b.Error.Reason = e.Reason
		return b
	}
	return Body(CodeInternal, "internal error")
}
