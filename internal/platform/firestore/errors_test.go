package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{codes.NotFound, true, false, false},
		{codes.AlreadyExists, false, true, false},
		{codes.Aborted, false, true, false},
		{codes.Unavailable, false, false, true},
		{codes.PermissionDenied, false, false, false},
	}
	for _, tc := range cases {
		err := WrapError("payments.get", status.Error(tc.code, "boom"))
		var fsErr *Error
		if !errors.As(err, &fsErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if fsErr.IsNotFound() != tc.notFound || fsErr.IsConflict() != tc.conflict || fsErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, fsErr)
		}
	}
}

func TestWrapErrorPassesCancellation(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", context.DeadlineExceeded); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline to pass through, got %v", err)
	}
}

func TestConflictError(t *testing.T) {
	err := ConflictError("payments.save", "payment %s changed", "pay_1")
	var fsErr *Error
	if !errors.As(err, &fsErr) || !fsErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if err.Error() != "payments.save: payment pay_1 changed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
