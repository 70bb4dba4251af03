package app

import (
	"os"
	"strconv"
)

// TestModeEnv short-circuits the binaries so tests can import their packages safely.
const TestModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether the server and worker should return before touching Postgres, Redis or the ERP.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
