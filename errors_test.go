package rise

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	conn := &ConnectionError{Op: "send", Err: errors.New("reset")}
	assert.True(t, IsTransient(conn))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", conn)))
	assert.False(t, IsPermanent(conn))

	for _, err := range []error{
		&AuthorizationError{Message: "no"},
		&ValidationError{Field: "content", Message: "empty"},
		&DomainConflictError{Code: CodeConflict, Message: "taken"},
	} {
		assert.True(t, IsPermanent(err), "%T", err)
		assert.False(t, IsTransient(err), "%T", err)
	}

	pre := &PreconditionError{Message: "no user"}
	assert.False(t, IsTransient(pre))
	assert.False(t, IsPermanent(pre))
}

func TestIndicatesServerQueued(t *testing.T) {
	queued := &DomainConflictError{Message: "Message stored; it will be delivered once the connection is restored."}
	assert.True(t, IndicatesServerQueued(queued))
	assert.True(t, IndicatesServerQueued(fmt.Errorf("send: %w", queued)))

	assert.False(t, IndicatesServerQueued(&DomainConflictError{Message: "Message stored."}))
	assert.False(t, IndicatesServerQueued(&DomainConflictError{Message: "connection refused"}))
	assert.False(t, IndicatesServerQueued(&ConnectionError{Op: "x", Err: errors.New("stored connection")}))
	assert.False(t, IndicatesServerQueued(nil))
}

func TestErrorFromResult(t *testing.T) {
	cases := []struct {
		status int
		res    APIResult
		check  func(error) bool
	}{
		{422, APIResult{ValidationErrors: []ValidationFailure{{Field: "content", Message: "empty"}}}, func(err error) bool {
			var ve *ValidationError
			return errors.As(err, &ve) && ve.Field == "content"
		}},
		{403, APIResult{Errors: []string{"forbidden"}}, func(err error) bool {
			var ae *AuthorizationError
			return errors.As(err, &ae) && ae.Message == "forbidden"
		}},
		{503, APIResult{}, IsTransient},
		{429, APIResult{Errors: []string{"slow down"}}, IsTransient},
		{202, APIResult{Errors: []string{"Message stored; it will be delivered once the connection is restored."}}, IndicatesServerQueued},
		{409, APIResult{Errors: []string{"taken"}}, func(err error) bool {
			var de *DomainConflictError
			return errors.As(err, &de) && de.Code == CodeConflict
		}},
	}
	for _, tc := range cases {
		res := tc.res
		err := errorFromResult(tc.status, &res)
		assert.True(t, tc.check(err), "status %d: %v", tc.status, err)
	}
}

func TestErrorFromCode(t *testing.T) {
	var ae *AuthorizationError
	assert.True(t, errors.As(errorFromCode("m", CodeForbidden, "x"), &ae))
	var ve *ValidationError
	assert.True(t, errors.As(errorFromCode("m", CodeValidation, "x"), &ve))
	assert.True(t, IsTransient(errorFromCode("m", CodeRateLimited, "x")))
	assert.True(t, IsTransient(errorFromCode("m", CodeUnavailable, "x")))
	var de *DomainConflictError
	assert.True(t, errors.As(errorFromCode("m", CodeNotFound, "x"), &de))
	assert.Equal(t, CodeNotFound, de.Code)
}
