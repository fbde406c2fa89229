// Package guard switches binaries into test mode when imported from tests,
// so calling main never dials postgres or redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TIMESHEETS_TEST_MODE") == "" {
			_ = os.Setenv("TIMESHEETS_TEST_MODE", "1")
		}
	})
}
