package assert

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"golang.org/x/exp/constraints"
)

// timeout is how long chan assertions wait before failing.
const timeout = 10 * time.Second

// recv reads from c, failing the test if nothing is written before d.
func recv[T any](t testing.TB, c chan T, d time.Duration) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(d):
		t.Fatal("timeout waiting for chan read")
	}
	var zero T
	return zero
}

// ChanWritten returns the value written to chan c or times out.
func ChanWritten[T any](t testing.TB, c chan T) T {
	t.Helper()
	return recv(t, c, timeout)
}

// ChanNotWritten asserts that the chan is not written at least until the passed
// timeout value.
func ChanNotWritten[T any](t testing.TB, c chan T, timeout time.Duration) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("channel was written with value %v", v)
	case <-time.After(timeout):
	}
}

// Chan2NotWritten asserts that the chans are not written at least until the
// passed timeout value.
func Chan2NotWritten[T any, U any](t testing.TB, c chan T, d chan U, timeout time.Duration) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("channel 1 was written with value %v", v)
	case v := <-d:
		t.Fatalf("channel 2 was written with value %v", v)
	case <-time.After(timeout):
	}
}

// DeepEqual asserts got is reflect.DeepEqual to want.
func DeepEqual[T any](t testing.TB, got, want T) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Unexpected values: got %v, want %v", got, want)
	}
}

// ErrorIs asserts that errors.Is(got, want).
func ErrorIs(t testing.TB, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("Unexpected error: got %v, want %v", got, want)
	}
}

// NilErr fails the test if err is non-nil.
func NilErr(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected non-nil error: %v", err)
	}
}

// NilErrFromChan fails the test if a non-nil error is received in the chan or
// if the channel is not written in time.
func NilErrFromChan(t testing.TB, errChan chan error) {
	t.Helper()
	NilErr(t, recv(t, errChan, timeout))
}

// NonNilErr asserts that err is not nil. It's preferable to use a specific
// error check instead of this one.
func NonNilErr(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("unexpected nil error")
	}
}

// BoolIs asserts the given bool value.
func BoolIs(t testing.TB, got, want bool) {
	t.Helper()
	if got != want {
		t.Fatalf("unexpected bool. got %v, want %v", got, want)
	}
}

// near returns an error message when got is not finite or not within eps of
// want.
func near(got, want, eps float64) string {
	switch {
	case math.IsNaN(got) || math.IsInf(got, 0):
		return "non-finite value"
	case math.Abs(got-want) > eps:
		return "value out of range"
	}
	return ""
}

// FloatNear asserts that got is within eps of want. NaN and infinite values
// always fail the assertion.
func FloatNear[T constraints.Float](t testing.TB, got, want, eps T) {
	t.Helper()
	if msg := near(float64(got), float64(want), float64(eps)); msg != "" {
		t.Fatalf("%s: got %v, want %v (+/- %v)", msg, got, want, eps)
	}
}

// FloatsNear asserts that got and want have the same length and that every
// element of got is within eps of the corresponding element of want.
func FloatsNear[T constraints.Float](t testing.TB, got, want []T, eps T) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected len: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		if msg := near(float64(got[i]), float64(want[i]), float64(eps)); msg != "" {
			t.Fatalf("%s at index %d: got %v, want %v (+/- %v)",
				msg, i, got[i], want[i], eps)
		}
	}
}
