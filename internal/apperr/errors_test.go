package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusMapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: user 7", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: missing id", ErrBadRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: duplicate email", ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("%w: token expired", ErrUnauthorized), http.StatusUnauthorized},
		{ErrInvalidCredentials, http.StatusBadRequest},
		{fmt.Errorf("%w: upstream 500", ErrInternal), http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Fatalf("Status(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageHidesInternalDetail(t *testing.T) {
	err := fmt.Errorf("%w: decode user: unexpected EOF", ErrInternal)
	if got := Message(err); got != "Internal error" {
		t.Fatalf("unexpected message %q", got)
	}
	nf := fmt.Errorf("%w: user 3", ErrNotFound)
	if got := Message(nf); got != nf.Error() {
		t.Fatalf("expected passthrough message, got %q", got)
	}
}
