package rpce_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests in the package
// complete. Any leaked goroutine causes a test failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
