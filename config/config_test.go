package config

import (
	"os"
	"reflect"
	"testing"

	"github.com/tabdash/mailsync/test"
)

func TestVersionString(t *testing.T) {
	typ := reflect.TypeOf(Version)
	if typ.String() != "string" {
		t.Errorf("expected Version to be a string, got %#v (type %#v)", Version, typ.String())
	}
}

func TestGetInt(t *testing.T) {
	err := os.Setenv("CONFIG_TEST_INT_VAR", "5")
	test.AssertNotError(t, err, "setting env var")
	defer func() {
		os.Unsetenv("CONFIG_TEST_INT_VAR")
	}()
	i, err := GetInt("CONFIG_TEST_INT_VAR")
	test.AssertNotError(t, err, "getting env var")
	test.AssertEquals(t, i, 5)
}

func TestGetURLOrBail(t *testing.T) {
	err := os.Setenv("CONFIG_TEST_URL_VAR", "https://gmail.example.com:8080/base")
	test.AssertNotError(t, err, "setting env var")
	defer func() {
		os.Unsetenv("CONFIG_TEST_URL_VAR")
	}()
	u := GetURLOrBail("CONFIG_TEST_URL_VAR")
	test.AssertEquals(t, u.Scheme, "https")
	test.AssertEquals(t, u.Host, "gmail.example.com:8080")
	test.AssertEquals(t, u.Path, "/base")
}

func TestGetIntError(t *testing.T) {
	err := os.Setenv("CONFIG_TEST_INT_VAR", "bad")
	test.AssertNotError(t, err, "setting env var")
	defer func() {
		os.Unsetenv("CONFIG_TEST_INT_VAR")
	}()
	_, err = GetInt("CONFIG_TEST_INT_VAR")
	test.AssertError(t, err, "getting bad env var")
}
