package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrappersKeepKind(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{Validation("bad input %d", 7), ErrValidation},
		{Conflict("already %s", "done"), ErrConflict},
		{NotFound("wallet", "w1"), ErrNotFound},
		{Expired("invoice", "i1"), ErrExpired},
		{External("rail", errors.New("timeout")), ErrExternal},
		{Internal(errors.New("boom")), ErrInternal},
	}
	for _, c := range cases {
		if !errors.Is(c.err, c.kind) {
			t.Errorf("%v should match %v", c.err, c.kind)
		}
		// a further wrap must not lose the kind
		wrapped := fmt.Errorf("context: %w", c.err)
		if !errors.Is(wrapped, c.kind) {
			t.Errorf("wrapped %v should still match %v", wrapped, c.kind)
		}
	}
}

func TestInternalCarriesCorrelationID(t *testing.T) {
	err := Internal(errors.New("boom"))
	if !strings.Contains(err.Error(), "[") {
		t.Fatalf("expected correlation id in %q", err.Error())
	}
	other := Internal(errors.New("boom"))
	if err.Error() == other.Error() {
		t.Fatal("correlation ids should differ between failures")
	}
}
