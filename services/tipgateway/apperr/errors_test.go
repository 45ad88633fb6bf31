package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindsSurviveWrapping(t *testing.T) {
	base := Provider("processor.create_intent", errors.New("timeout"), true)
	wrapped := fmt.Errorf("ledger: %w", base)

	require.ErrorIs(t, wrapped, ErrExternalProvider)
	require.NotErrorIs(t, wrapped, ErrPersistence)
	require.True(t, IsRetryable(wrapped))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(wrapped))
	require.Equal(t, "external_provider_error", Code(wrapped))
}

func TestPersistenceDoesNotRewrapTaxonomyErrors(t *testing.T) {
	notFound := TipNotFound("ledger.complete", "pi_123")
	require.Same(t, notFound, Persistence("ledger.complete", notFound))
	require.Nil(t, Persistence("noop", nil))

	raw := Persistence("ledger.complete", errors.New("disk full"))
	require.ErrorIs(t, raw, ErrPersistence)
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(raw))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("op", "amount must be positive"), http.StatusBadRequest},
		{NotPayable("op"), http.StatusUnprocessableEntity},
		{CreatorNotFound("op"), http.StatusNotFound},
		{Conflict("op", "handle already taken"), http.StatusConflict},
		{Provider("op", errors.New("card declined"), false), http.StatusBadGateway},
		{ErrInvalidSignature, http.StatusBadRequest},
		{Malformed("op", "missing account id"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestErrorMessageIncludesOp(t *testing.T) {
	err := Validation("ledger.create_pending_tip", "amount must be positive")
	require.Equal(t, "ledger.create_pending_tip: amount must be positive", err.Error())
}
