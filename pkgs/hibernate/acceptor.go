package hibernate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// handoffRequest is the wire shape the upstream acceptor (spec.md §6,
// out of scope beyond this interface) uses to hand a session to this
// core: the client fd plus any notify fds travel as SCM_RIGHTS ancillary
// data on the same unix-socket message, and State travels as a single
// JSON line immediately following.
type handoffRequest struct {
	State State `json:"state"`
}

// Acceptor listens on cfg.ListenPath for upstream handoffs and turns each
// one into a running Session (spec.md §6 "Upstream acceptor interface").
type Acceptor struct {
	core *Core
	ln   *net.UnixListener
}

func NewAcceptor(core *Core) (*Acceptor, error) {
	_ = os.Remove(core.cfg.ListenPath)
	addr, err := net.ResolveUnixAddr("unix", core.cfg.ListenPath)
	if err != nil {
		return nil, fmt.Errorf("resolve listen path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", core.cfg.ListenPath, err)
	}
	return &Acceptor{core: core, ln: ln}, nil
}

func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// Serve accepts handoff connections until the listener is closed.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.ln.AcceptUnix()
		if err != nil {
			return err
		}
		go a.handleHandoff(conn)
	}
}

func (a *Acceptor) handleHandoff(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	oob := make([]byte, 256)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		a.core.log.Error("acceptor_handoff", "", "", "read handoff: %v", err)
		return
	}

	files, err := parseRights(oob[:oobn])
	if err != nil || len(files) == 0 {
		a.core.log.Error("acceptor_handoff", "", "", "no client fd passed: %v", err)
		for _, f := range files {
			f.Close()
		}
		return
	}
	clientFile := files[0]
	notifyFiles := files[1:]

	reader := bufio.NewReader(newPrefixedReader(buf[:n], conn))
	line, err := reader.ReadString('\n')
	if err != nil {
		a.core.log.Error("acceptor_handoff", "", "", "read state: %v", err)
		clientFile.Close()
		for _, f := range notifyFiles {
			f.Close()
		}
		return
	}

	var req handoffRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		a.core.log.Error("acceptor_handoff", "", "", "decode state: %v", err)
		clientFile.Close()
		for _, f := range notifyFiles {
			f.Close()
		}
		return
	}

	clientConn, err := net.FileConn(clientFile)
	clientFile.Close()
	if err != nil {
		a.core.log.Error("acceptor_handoff", "", "", "wrap client fd: %v", err)
		return
	}

	sess, err := a.core.CreateSession(clientConn, req.State)
	if err != nil {
		a.core.log.Error("acceptor_handoff", "", "", "create session: %v", err)
		clientConn.Close()
		return
	}
	sess.Start()
	for _, f := range notifyFiles {
		fd := int(f.Fd())
		sess.AddNotifyFD(fd)
	}
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, fmt.Errorf("no ancillary data")
	}
	fds, err := parseRightsFDs(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for _, fd := range fds {
		files = append(files, os.NewFile(uintptr(fd), "passed-fd"))
	}
	return files, nil
}

// prefixedReader lets us feed bytes already consumed by ReadMsgUnix back
// through a bufio.Reader before falling through to the live connection.
type prefixedReader struct {
	prefix []byte
	rest   *net.UnixConn
}

func newPrefixedReader(prefix []byte, rest *net.UnixConn) *prefixedReader {
	cp := make([]byte, len(prefix))
	copy(cp, prefix)
	return &prefixedReader{prefix: cp, rest: rest}
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.rest.Read(b)
}
