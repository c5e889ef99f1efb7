package hibernate

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"golang.org/x/sys/unix"
)

// singleConnListener hands out exactly one pre-established connection,
// then blocks until closed. It lets a stand-in IMAP master run a real
// imapserver.Server session over a connection it did not itself Accept
// (the SCM_RIGHTS-passed fd), the same role newTestIMAPServer plays for a
// TCP listener in pkgs/email's IMAP client tests.
type singleConnListener struct {
	conn   net.Conn
	done   chan struct{}
	closed bool
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.conn != nil {
		c := l.conn
		l.conn = nil
		return c, nil
	}
	<-l.done
	return nil, errors.New("singleConnListener: closed")
}

func (l *singleConnListener) Close() error {
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "unix" }
func (fakeAddr) String() string  { return "single-conn" }

// socketpairConns returns both ends of a real unix SOCK_STREAM socketpair
// as net.Conn, so a passed fd genuinely travels over SCM_RIGHTS rather
// than an in-memory net.Pipe (which has no underlying fd to pass).
func socketpairConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f0 := os.NewFile(uintptr(fds[0]), "sp0")
	f1 := os.NewFile(uintptr(fds[1]), "sp1")
	c0, err := net.FileConn(f0)
	if err != nil {
		t.Fatalf("FileConn sp0: %v", err)
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		t.Fatalf("FileConn sp1: %v", err)
	}
	f0.Close()
	f1.Close()
	return c0, c1
}

// fakeMaster stands in for the imap-master process (spec.md §4.4): it
// accepts the handoff, recovers the passed fd, hands it to a real
// imapserver/imapmemserver session (so the whole fd-passing path is
// exercised against genuine IMAP wire behavior, not a stub), and replies
// "+" on the broker connection as soon as that session has been started.
type fakeMaster struct {
	ln      *net.UnixListener
	memSrv  *imapmemserver.Server
	imapSrv *imapserver.Server
}

const (
	integrationUser = "testuser"
	integrationPass = "testpass"
)

func newFakeMaster(t *testing.T, path string) *fakeMaster {
	t.Helper()
	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(integrationUser, integrationPass)
	user.Create("INBOX", nil)
	memSrv.AddUser(user)

	imapSrv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve master addr: %v", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen master: %v", err)
	}

	m := &fakeMaster{ln: ln, memSrv: memSrv, imapSrv: imapSrv}
	go m.serve(t)
	return m
}

func (m *fakeMaster) serve(t *testing.T) {
	for {
		conn, err := m.ln.AcceptUnix()
		if err != nil {
			return
		}
		go m.handle(t, conn)
	}
}

func (m *fakeMaster) handle(t *testing.T, conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, maxOutboundBuffer)
	n, f, err := recvFD(conn, buf)
	if err != nil || f == nil {
		conn.Write([]byte("-no fd passed\n"))
		return
	}

	rest, rerr := bufio.NewReader(conn).ReadString('\n')
	record := string(buf[:n])
	if rerr == nil {
		record += rest
	}
	if !bytesContainField(record, "tag=A01") {
		conn.Write([]byte("-missing expected tag field\n"))
		f.Close()
		return
	}

	workerConn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		conn.Write([]byte(fmt.Sprintf("-wrap passed fd: %v\n", err)))
		return
	}

	ln := newSingleConnListener(workerConn)
	go m.imapSrv.Serve(ln)

	conn.Write([]byte("+ok\n"))
}

func bytesContainField(s, field string) bool {
	for i := 0; i+len(field) <= len(s); i++ {
		if s[i:i+len(field)] == field {
			return true
		}
	}
	return false
}

func (m *fakeMaster) Close() {
	m.ln.Close()
	m.imapSrv.Close()
}

// TestHandoffRoundTrip drives a hibernated session through DONE, a
// successful handoff to a stand-in master, and a real IMAP LOGIN/SELECT
// performed against the handed-off fd, exercising spec.md §8's "clean
// idle end" scenario end to end.
func TestHandoffRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{BaseDir: dir}
	cfg.normalizeDefaults()

	master := newFakeMaster(t, cfg.MasterSocketPath())
	defer master.Close()

	core := NewCore(cfg, NullAnvil{}, NewLogger(nil))
	defer core.Shutdown()

	clientSide, sessionSide := socketpairConns(t)
	defer clientSide.Close()

	st := State{
		Username:               integrationUser,
		SessionID:              "sess-1",
		Tag:                    "A01",
		IdleCmd:                true,
		IdleNotifyIntervalSecs: 0,
	}
	sess, err := core.CreateSession(sessionSide, st)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess.Start()

	if _, err := clientSide.Write([]byte("DONE\r\n")); err != nil {
		t.Fatalf("write DONE: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for core.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session to unhibernate")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The worker now owns the fd; confirm it actually speaks IMAP by
	// logging in and issuing a command over the client's own end.
	client := imapclient.New(clientSide, nil)
	defer client.Close()
	if err := client.Login(integrationUser, integrationPass).Wait(); err != nil {
		t.Fatalf("login over handed-off fd: %v", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("select over handed-off fd: %v", err)
	}
}

// TestHandoffRetryThenTimeout exercises spec.md §8's "master busy" scenario:
// attemptHandoff keeps failing with a dial error until moveBackStart's
// deadline has passed, at which point the session is destroyed.
func TestHandoffRetryThenTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{BaseDir: dir}
	cfg.normalizeDefaults()
	// No master listening at cfg.MasterSocketPath(): every attempt fails
	// to dial, forcing the retry path.

	core := NewCore(cfg, NullAnvil{}, NewLogger(nil))
	defer core.Shutdown()

	clientSide, sessionSide := socketpairConns(t)
	defer clientSide.Close()

	st := State{
		Username:  integrationUser,
		SessionID: "sess-2",
		Tag:       "A01",
		IdleCmd:   true,
	}
	sess, err := core.CreateSession(sessionSide, st)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess.moveBackStart = time.Now().Add(-moveBackWithInputTimeout - time.Second)
	sess.Start()

	if _, err := clientSide.Write([]byte("DONE\r\n")); err != nil {
		t.Fatalf("write DONE: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for core.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for unhibernate-failed destroy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdminKick(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{BaseDir: dir, AdminPath: filepath.Join(dir, "admin")}
	cfg.normalizeDefaults()

	core := NewCore(cfg, NullAnvil{}, NewLogger(nil))
	defer core.Shutdown()

	_, sessionSide := socketpairConns(t)
	st := State{Username: "alice", SessionID: "s1", IdleCmd: true}
	sess, err := core.CreateSession(sessionSide, st)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess.Start()

	admin, err := NewAdminServer(core)
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	defer admin.Close()
	go admin.Serve()

	conn, err := net.Dial("unix", cfg.AdminPath)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("KICK\talice\n")); err != nil {
		t.Fatalf("write kick: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read kick reply: %v", err)
	}
	if reply != "+1\n" {
		t.Fatalf("unexpected kick reply: %q", reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for core.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for kick to destroy session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
