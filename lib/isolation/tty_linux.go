package isolation

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
)

// relayResize copies the size of the controlling terminal to ptmx on every
// SIGWINCH until done is closed.
func relayResize(tty, ptmx *os.File, done <-chan struct{}) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	for {
		select {
		case <-done:
			return
		case <-winch:
			_ = pty.InheritSize(tty, ptmx)
		}
	}
}
