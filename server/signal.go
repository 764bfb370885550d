//go:build !windows

package server

import (
	"os"
	"os/signal"
	"syscall"
)

// handleSignals sets up a handler for SIGINT and SIGTERM to do a graceful
// shutdown. SIGHUP logs the command statistics gathered so far.
func (s *Server) handleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	// Use a naked goroutine instead of startGoroutine because this stops the
	// server which would cause a deadlock.
	go func() {
		for sig := range c {
			switch sig {
			case os.Interrupt, syscall.SIGTERM:
				if err := s.Stop(); err != nil {
					s.logger.Errorf("Error occurred shutting down server while handling interrupt: %v", err)
					os.Exit(1)
				}
				os.Exit(0)

			case syscall.SIGHUP:
				s.stats.log(s.logger)
			}
		}
	}()
}
