package hibernate

import (
	"fmt"
	"sync"
)

// Daemon ties the acceptor, admin server and core registry together into a
// single runnable process (spec.md §2 "event loop integration").
type Daemon struct {
	Core     *Core
	acceptor *Acceptor
	admin    *AdminServer
}

// NewDaemon builds every collaborator from cfg but does not start serving.
func NewDaemon(cfg *Config, anvil Anvil, log *Logger) (*Daemon, error) {
	core := NewCore(cfg, anvil, log)

	acceptor, err := NewAcceptor(core)
	if err != nil {
		return nil, fmt.Errorf("new acceptor: %w", err)
	}
	admin, err := NewAdminServer(core)
	if err != nil {
		acceptor.Close()
		return nil, fmt.Errorf("new admin server: %w", err)
	}

	d := &Daemon{Core: core, acceptor: acceptor, admin: admin}
	admin.OnShutdown(d.Shutdown)
	return d, nil
}

// Run serves both listeners until either one fails or Shutdown is called.
// Both listeners are then closed; Run returns nil after a Shutdown and the
// failing listener's error otherwise.
func (d *Daemon) Run() error {
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errs <- d.acceptor.Serve()
	}()
	go func() {
		defer wg.Done()
		errs <- d.admin.Serve()
	}()

	err := <-errs
	d.acceptor.Close()
	d.admin.Close()
	wg.Wait()

	if d.Core.shuttingDown() {
		return nil
	}
	return err
}

// Shutdown stops both listeners and kicks every live session.
func (d *Daemon) Shutdown() {
	d.Core.Shutdown()
	d.acceptor.Close()
	d.admin.Close()
}
