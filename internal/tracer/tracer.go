package tracer

import (
	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/internal/version"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/mocktracer"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// StartTracer initializes the DataDog tracer.
// If enabled is false, it starts a mock tracer instead
func StartTracer(enabled bool, chain config.Chain) {
	if !enabled {
		mocktracer.Start()
		return
	}
	ddTracer.Start(
		ddTracer.WithEnv(string(chain)),
		ddTracer.WithServiceName("xp-ledger"),
		ddTracer.WithServiceVersion(version.GetVersion()),
		ddTracer.WithGlobalServiceName(true),
		ddTracer.WithDebugMode(false),
		ddTracer.WithLogStartup(false),
	)
}

// StopTracer flushes and stops the global tracer.
func StopTracer() {
	ddTracer.Stop()
}
