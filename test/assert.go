package test

import (
	"errors"
	"strings"
	"testing"
)

func AssertEqual[T comparable](t testing.TB, expected, actual T) bool {
	t.Helper()

	if expected != actual {
		t.Errorf(""+
			"Not equal: \n"+
			"Expected: %v\n"+
			"Actual: %v", expected, actual)
		return false
	}

	return true
}

func AssertTrue(t testing.TB, value bool, msg string) bool {
	t.Helper()

	if !value {
		t.Errorf("Expected true: %s", msg)
		return false
	}

	return true
}

func AssertNoError(t testing.TB, err error) bool {
	t.Helper()

	if err != nil {
		t.Errorf("Unexpected error: %v", err)
		return false
	}

	return true
}

func AssertErrorIs(t testing.TB, err, target error) bool {
	t.Helper()

	if !errors.Is(err, target) {
		t.Errorf(""+
			"Error mismatch: \n"+
			"Expected: %v\n"+
			"Actual: %v", target, err)
		return false
	}

	return true
}

func AssertContains(t testing.TB, haystack, needle string) bool {
	t.Helper()

	if !strings.Contains(haystack, needle) {
		t.Errorf("Expected %q to contain %q", haystack, needle)
		return false
	}

	return true
}
