package hibernate

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// AdminServer implements the administrative control surface described in
// SPEC_FULL.md: a line-oriented unix socket accepting KICK and SHUTDOWN
// requests, grounded on the same accept-loop-per-connection shape as
// Acceptor and on the tab-separated framing used throughout this package.
type AdminServer struct {
	core       *Core
	ln         *net.UnixListener
	onShutdown func()
}

func NewAdminServer(core *Core) (*AdminServer, error) {
	_ = os.Remove(core.cfg.AdminPath)
	addr, err := net.ResolveUnixAddr("unix", core.cfg.AdminPath)
	if err != nil {
		return nil, fmt.Errorf("resolve admin path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", core.cfg.AdminPath, err)
	}
	return &AdminServer{core: core, ln: ln}, nil
}

// OnShutdown registers the callback invoked when a SHUTDOWN request is
// accepted, letting the caller (Daemon) tear down listeners the admin
// server itself has no handle to.
func (a *AdminServer) OnShutdown(fn func()) {
	a.onShutdown = fn
}

func (a *AdminServer) Close() error {
	return a.ln.Close()
}

// Serve accepts admin connections until the listener is closed. Each
// connection carries exactly one request line and gets exactly one reply
// line back, matching the broker's own "+"/"-" framing.
func (a *AdminServer) Serve() error {
	for {
		conn, err := a.ln.AcceptUnix()
		if err != nil {
			return err
		}
		go a.handle(conn)
	}
}

func (a *AdminServer) handle(conn *net.UnixConn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	reply := a.dispatch(line)
	conn.Write([]byte(reply + "\n"))
}

func (a *AdminServer) dispatch(line string) string {
	fields := splitTabEscaped(line)
	if len(fields) == 0 {
		return "-empty request"
	}

	switch strings.ToUpper(fields[0]) {
	case "KICK":
		if len(fields) < 2 || fields[1] == "" {
			return "-KICK requires a username"
		}
		var connGUID string
		if len(fields) >= 3 {
			connGUID = fields[2]
		}
		n := a.core.Kick(fields[1], connGUID)
		return fmt.Sprintf("+%d", n)
	case "SHUTDOWN":
		if a.onShutdown != nil {
			go a.onShutdown()
		} else {
			go a.core.Shutdown()
		}
		return "+shutting down"
	default:
		return "-unknown command"
	}
}
