package syncer

import (
	"errors"
	"strings"
	"testing"
)

func assertValidationCode(t *testing.T, err error, want ValidationCode) {
	t.Helper()
	ve, ok := IsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError %s, got %v", want, err)
	}
	if ve.Code != want {
		t.Fatalf("validation code: want=%s got=%s", want, ve.Code)
	}
}

func TestValidateTextEmpty(t *testing.T) {
	for _, input := range []string{"", " ", "\t\n  ", " "} {
		_, err := ValidateText(input)
		assertValidationCode(t, err, ValidationEmpty)
	}
}

func TestValidateTextTrims(t *testing.T) {
	got, err := ValidateText("  hello \n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Fatalf("trimmed text: want=%q got=%q", "hello", got)
	}
}

func TestValidateTextLengthBoundary(t *testing.T) {
	// Length counts Unicode scalars, not bytes or UTF-16 units. Each
	// emoji here is one scalar but two UTF-16 units and four bytes.
	atLimit := strings.Repeat("\U0001f600", MaxMessageLength)
	if got, err := ValidateText(atLimit); err != nil {
		t.Fatalf("message at limit rejected: %v", err)
	} else if got != atLimit {
		t.Fatalf("message at limit mutated")
	}

	overLimit := atLimit + "x"
	_, err := ValidateText(overLimit)
	assertValidationCode(t, err, ValidationTooLong)
}

func TestValidateTextInvalidEncoding(t *testing.T) {
	_, err := ValidateText("hello \xff\xfe world")
	assertValidationCode(t, err, ValidationInvalidEncoding)
}

func TestPublishErrorRetryable(t *testing.T) {
	cases := []struct {
		code      PublishCode
		retryable bool
	}{
		{PublishNetworkUnavailable, true},
		{PublishTimeout, true},
		{PublishServerRejected, false},
	}
	for _, tc := range cases {
		err := &PublishError{Code: tc.code}
		if err.Retryable() != tc.retryable {
			t.Errorf("%s retryable: want=%v got=%v", tc.code, tc.retryable, err.Retryable())
		}
		if publishRetryable(err) != tc.retryable {
			t.Errorf("%s publishRetryable: want=%v", tc.code, tc.retryable)
		}
	}
	// Raw transport errors are ambiguous and treated as transient.
	if !publishRetryable(errors.New("connection reset")) {
		t.Error("untyped error should be retryable")
	}
}
