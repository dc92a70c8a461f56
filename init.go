package dbus

import (
	"os"
	"sync"

	"github.com/tebeka/atexit"

	"github.com/coredesk/dbus/transport"
)

// EnvInstallShutdownHandler, when set to any non-empty value, makes
// the first connection install a process-exit handler that runs the
// transport layer's shutdown routine exactly once.
const EnvInstallShutdownHandler = "DBUS_CPP_INSTALL_DBUS_SHUTDOWN_HANDLER"

var processInit sync.Once

// initProcess performs the once-per-process setup on first bus
// construction.
func initProcess() {
	processInit.Do(func() {
		if os.Getenv(EnvInstallShutdownHandler) != "" {
			atexit.Register(transport.Shutdown)
		}
	})
}
