package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	base := Conflict(ReasonCopyUnavailable, "copy is not available")
	wrapped := fmt.Errorf("open loan: %w", base)

	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.Equal(t, ReasonCopyUnavailable, ReasonOf(wrapped))
	assert.True(t, Is(wrapped, CodeConflict))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		NotFound("x"):                  http.StatusNotFound,
		Invalid("x"):                   http.StatusBadRequest,
		Conflict(ReasonDuplicate, "x"): http.StatusConflict,
		LimitExceeded(ReasonLoanLimitReached, "x"): http.StatusUnprocessableEntity,
		InvalidState(ReasonAlreadyReturned, "x"):   http.StatusUnprocessableEntity,
		Storage("x", errors.New("down")):           http.StatusServiceUnavailable,
		errors.New("plain"):                        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestFromErrHidesInternalDetails(t *testing.T) {
	body := FromErr(errors.New("dial tcp 10.0.0.1: refused"))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Equal(t, "internal error", body.Error.Message)

	body = FromErr(LimitExceeded(ReasonLoanLimitReached, "student has 3 active loans"))
	assert.Equal(t, CodeLimitExceeded, body.Error.Code)
	assert.Equal(t, ReasonLoanLimitReached, body.Error.Reason)
}

func TestStorageUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Storage("query loans", cause)
	assert.ErrorIs(t, err, cause)
}
