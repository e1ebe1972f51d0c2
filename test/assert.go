// Assertion helpers for tests.

package test

import (
	"reflect"
	"strings"
	"testing"
)

// Assert a boolean.
func Assert(t testing.TB, result bool, message string) {
	t.Helper()
	if !result {
		if message == "" {
			message = "assertion failed"
		}
		t.Fatal(message)
	}
}

// AssertNotError checks that err is nil.
func AssertNotError(t testing.TB, err error, message string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", message, err)
	}
}

// AssertError checks that err is non-nil.
func AssertError(t testing.TB, err error, message string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but received none", message)
	}
}

// AssertEquals uses the equality operator (==) to measure one and two.
func AssertEquals(t testing.TB, one interface{}, two interface{}) {
	t.Helper()
	if one != two {
		t.Fatalf("%#v != %#v", one, two)
	}
}

// AssertNotEquals uses the equality operator to measure that one and two
// are different.
func AssertNotEquals(t testing.TB, one interface{}, two interface{}) {
	t.Helper()
	if one == two {
		t.Fatalf("%#v == %#v", one, two)
	}
}

// AssertDeepEquals uses the reflect.DeepEqual method to measure one and two.
func AssertDeepEquals(t testing.TB, one interface{}, two interface{}) {
	t.Helper()
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("[%+v] !(deep)= [%+v]", one, two)
	}
}

// AssertNotNil checks an object to be non-nil.
func AssertNotNil(t testing.TB, obj interface{}, message string) {
	t.Helper()
	if obj == nil {
		t.Fatal(message)
	}
}

// AssertContains determines whether needle can be found in haystack.
func AssertContains(t testing.TB, haystack string, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("String %q does not contain %q", haystack, needle)
	}
}

// AssertBetween determines if a is between b and c.
func AssertBetween(t testing.TB, a, b, c int64) {
	t.Helper()
	if a < b || a > c {
		t.Fatalf("%d is not between %d and %d", a, b, c)
	}
}
