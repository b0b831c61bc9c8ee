package advsuberr

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusMapsKindToExpectedCode(t *testing.T) {
	cases := []struct {
		err  *Error
		want codes.Code
	}{
		{ConfigRejected("op", errors.New("bad")), codes.InvalidArgument},
		{BusFailure("op", errors.New("down")), codes.Unavailable},
		{New(KindMalformedLivenessToken, "op", errors.New("x")), codes.DataLoss},
		{New(KindQueryTimeout, "op", nil), codes.DeadlineExceeded},
		{New(KindUnrecoverableGap, "op", nil), codes.DataLoss},
	}
	for _, tc := range cases {
		st, ok := status.FromError(tc.err.Status())
		if !ok {
			t.Fatalf("expected a gRPC status error for %v", tc.err)
		}
		if st.Code() != tc.want {
			t.Errorf("%v: expected code %v, got %v", tc.err.Kind, tc.want, st.Code())
		}
	}
}

func TestErrorUnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("underlying")
	err := BusFailure("advsub.Construct", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := ConfigRejected("advsub.Construct", errors.New("missing origin"))
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if !strings.Contains(msg, "advsub.Construct") || !strings.Contains(msg, KindConfigRejected.String()) {
		t.Fatalf("expected the message to include op and kind, got %q", msg)
	}
}
