package factory

import (
	"testing"

	"github.com/tabdash/mailsync/test"
)

func ExampleRandomId() {
	RandomId("thr_")
	// Will return something like "thr_5555b44e-13b9-475d-af06-979627e0e0d6"
}

func TestRandomId(t *testing.T) {
	id := RandomId("thr_")
	test.AssertEquals(t, id.Prefix, "thr_")
	test.AssertContains(t, id.String(), "thr_")
	test.AssertNotNil(t, id.UUID, "")
}
