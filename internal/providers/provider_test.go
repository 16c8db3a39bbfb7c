package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != OutcomeSuccess {
		t.Error("nil error should classify as success")
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	if Classify(context.DeadlineExceeded) != OutcomeTerminal {
		t.Error("deadline exceeded should be terminal")
	}
	if Classify(context.Canceled) != OutcomeTerminal {
		t.Error("cancellation should be terminal")
	}
	wrapped := fmt.Errorf("attempt: %w", context.DeadlineExceeded)
	if Classify(wrapped) != OutcomeTerminal {
		t.Error("wrapped deadline should still be terminal")
	}
}

func TestClassify_StatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Outcome
	}{
		{429, OutcomeRetryable},
		{500, OutcomeRetryable},
		{502, OutcomeRetryable},
		{503, OutcomeRetryable},
		{529, OutcomeRetryable},
		{400, OutcomeTerminal},
		{401, OutcomeTerminal},
		{403, OutcomeTerminal},
		{404, OutcomeTerminal},
	}

	for _, tc := range cases {
		err := &Error{Provider: "test", Status: tc.status, Message: "x"}
		if got := Classify(err); got != tc.want {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, got)
		}
	}
}

func TestClassify_UnknownError(t *testing.T) {
	if Classify(errors.New("connection reset by peer")) != OutcomeRetryable {
		t.Error("unclassified transport errors should be retryable")
	}
}

func TestError_StatusCoder(t *testing.T) {
	var sc StatusCoder = &Error{Provider: "p", Status: 503, Message: "down"}
	if sc.HTTPStatus() != 503 {
		t.Errorf("expected 503, got %d", sc.HTTPStatus())
	}
}

func TestOutcome_String(t *testing.T) {
	if OutcomeSuccess.String() != "success" || OutcomeRetryable.String() != "retryable" || OutcomeTerminal.String() != "terminal" {
		t.Error("unexpected outcome labels")
	}
}
