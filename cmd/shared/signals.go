package shared

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"dominicbreuker/conntransport/pkg/log"
)

// SetupSignalHandling calls cancel on the first termination signal so the
// command can shut down gracefully. A second signal exits immediately with
// 128+signal; if the process is still running after grace it exits with 0.
func SetupSignalHandling(cancel context.CancelFunc, grace time.Duration) {
	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		// a peer closing mid-write must not kill the server
		signal.Ignore(syscall.SIGPIPE)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, sigs...)

	go func() {
		first := <-sigCh
		log.InfoMsg("Received %s, shutting down (repeat to force)\n", first)
		cancel()

		select {
		case s := <-sigCh:
			os.Exit(exitCode(s))
		case <-time.After(grace):
			log.ErrorMsg("Shutdown did not finish within %v\n", grace)
			os.Exit(0)
		}
	}()
}

func exitCode(s os.Signal) int {
	if ss, ok := s.(syscall.Signal); ok {
		return 128 + int(ss)
	}
	return 1
}
