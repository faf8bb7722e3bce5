package identity

import (
	"testing"

	"go.uber.org/goleak"
)

// Registry schedules a reaper timer per token; TestMain verifies every
// test cancels or fires its timers before exiting, the way the teacher's
// room package guards its background subscribe/SFU goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
