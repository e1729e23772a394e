package sessions

import (
	"io"

	"github.com/haasonsaas/relay/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}
