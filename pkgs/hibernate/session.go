package hibernate

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// writeAttemptTimeout bounds a single output write. All writes this core
// performs are tiny (at most the idle-completed echo, well under
// maxOutboundBuffer), so in the idiomatic Go rendition a short deadline
// stands in for the original's non-blocking send-and-buffer model: if the
// client's receive window can't absorb a few dozen bytes within this
// window, treat it the same as "output buffer full" (spec.md §3, §4.3).
const writeAttemptTimeout = 200 * time.Millisecond

// Session is one hibernated IMAP client (spec.md §3). Unlike the original's
// single-threaded reactor, this session is reachable from several
// goroutines at once: its own reader, the shared retry ticker
// (scheduler.go), the shared notify-fd poller (notify.go), an admin
// connection's goroutine (admin.go via registry.go's Kick), and its own
// keepalive timer callback. mu guards every field below that any of those
// paths read or write; fields set once at construction and never mutated
// afterward (conn, id, createdAt, logPrefix, core) are safe to read without
// it.
type Session struct {
	core *Core

	id string // for logging only

	conn      net.Conn
	createdAt time.Time

	mu sync.Mutex

	state    State
	inputBuf []byte

	nextReadThreshold int
	outputPending     bool // true if the last write attempt did not fully drain

	notifyFDs map[int]*notifyEntry

	moveBackStart     time.Time
	moveBackTriggered bool
	inputPending      bool
	idleDone          bool
	badDone           bool

	unhibernateQueued bool // guarded by core.mu, not mu (see scheduler.go)
	heapIndex         int  // guarded by core.mu, not mu (see scheduler.go)

	shutdownFDOnDestroy bool
	anvilSent           bool

	logPrefix string
	destroyed bool

	keepaliveTimer *time.Timer
	stopReader     chan struct{}
}

type notifyEntry struct {
	fd int
}

// CreateSession implements spec.md §4.2 "Created by an upstream acceptor":
// fd is the already-authenticated client socket, st is the opaque
// serialized IMAP session. Matches imap_client_create.
func (c *Core) CreateSession(conn net.Conn, st State) (*Session, error) {
	if st.Username == "" {
		return nil, fmt.Errorf("imap client state missing username")
	}

	s := &Session{
		core:       c,
		id:         st.SessionID,
		conn:       conn,
		createdAt:  time.Now(),
		state:      st,
		notifyFDs:  make(map[int]*notifyEntry),
		heapIndex:  -1,
		stopReader: make(chan struct{}),
	}
	s.logPrefix = expandLogPrefix(c.cfg.MailLogPrefix, c.cfg.ServiceName, &st)

	if sent := c.anvil.Connect(st.Username, c.cfg.ServiceName, st.RemoteIP, st.AnvilConnGUID); sent {
		s.mu.Lock()
		s.anvilSent = true
		s.mu.Unlock()
	}

	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	c.log.Info("session_hibernated", st.Username, st.SessionID,
		"hibernated from %s", s.logPrefix)
	return s, nil
}

// Start begins the session's event-driven life: a dedicated goroutine
// reads the client socket, driving the state machine in spec.md §4.2. It is
// the idiomatic-Go stand-in for io_add() in the original's single-threaded
// reactor, but because the retry ticker, the notify poller and admin kicks
// all reach into the same session concurrently, mu (not goroutine
// ownership) is what spec.md §5's "exactly one owner at a time" maps to
// here: every method below takes mu for the duration of each field access
// and releases it before calling back into another locking method, so no
// method ever blocks on a lock it already holds.
func (s *Session) Start() {
	s.addKeepaliveTimer()
	go s.readLoop()
}

func (s *Session) readLoop() {
	buf := make([]byte, maxInboundBuffer)
	for {
		s.mu.Lock()
		offset := len(s.inputBuf)
		s.mu.Unlock()

		n, err := s.conn.Read(buf[offset:])

		s.mu.Lock()
		destroyed := s.destroyed
		s.mu.Unlock()
		if destroyed {
			return
		}
		if err != nil {
			s.onDisconnected(err)
			return
		}

		s.mu.Lock()
		s.inputBuf = append(s.inputBuf, buf[offset:offset+n]...)
		idleCmd := s.state.IdleCmd
		s.mu.Unlock()

		if idleCmd {
			s.onIdleInput()
		} else {
			s.onNonIdleInput()
		}

		s.mu.Lock()
		destroyed = s.destroyed
		s.mu.Unlock()
		if destroyed {
			return
		}
	}
}

// onIdleInput implements imap_client_input_idle_cmd (spec.md §4.1/§4.2).
func (s *Session) onIdleInput() {
	s.mu.Lock()
	if len(s.inputBuf) <= s.nextReadThreshold {
		s.mu.Unlock()
		return
	}
	s.nextReadThreshold = 0

	state, tag, consumed := parseInput(s.inputBuf)
	switch state {
	case InputUnknown:
		if len(s.inputBuf) >= maxInboundBuffer {
			// No legitimate "DONE[\r]\n<tag> IDLE[\r]\n" fits past this
			// bound; treat an unresolved buffer this large as bad input.
			s.badDone = true
			s.idleDone = true
			s.inputPending = true
			s.mu.Unlock()
			s.moveBack()
			return
		}
		s.nextReadThreshold = len(s.inputBuf)
		s.mu.Unlock()
		return
	case InputBad:
		s.badDone = true
		s.idleDone = true
		s.inputPending = true
		s.mu.Unlock()
		s.moveBack()
		return
	case InputDoneLF, InputDoneCRLF:
		s.inputBuf = s.inputBuf[consumed:]
		s.idleDone = true
		s.inputPending = true
		s.mu.Unlock()
		s.moveBack()
		return
	case InputDoneIdle:
		oldTag := s.state.Tag
		s.state.Tag = tag
		s.mu.Unlock()

		reply := fmt.Sprintf("%s OK Idle completed.\r\n+ idling\r\n", oldTag)
		if !s.trySend([]byte(reply)) {
			s.Destroy(bufferFullError, true)
			return
		}

		s.mu.Lock()
		s.inputBuf = nil
		s.mu.Unlock()
		s.addKeepaliveTimer()
		return
	}
	s.mu.Unlock()
}

func (s *Session) onNonIdleInput() {
	s.mu.Lock()
	s.inputPending = true
	s.mu.Unlock()
	s.moveBack()
}

func (s *Session) onDisconnected(err error) {
	reason := "client disconnected"
	if err != nil {
		reason = err.Error()
	}
	s.Destroy(reason, false)
}

// trySend writes data to the client within writeAttemptTimeout. A
// shortfall is treated as "output buffer full" (spec.md §3).
func (s *Session) trySend(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeAttemptTimeout))
	n, err := s.conn.Write(data)
	_ = s.conn.SetWriteDeadline(time.Time{})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || n != len(data) {
		s.outputPending = true
		return false
	}
	s.outputPending = false
	return true
}

func (s *Session) addKeepaliveTimer() {
	s.mu.Lock()
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Stop()
		s.keepaliveTimer = nil
	}
	interval := s.state.IdleNotifyIntervalSecs
	if interval <= 0 {
		s.mu.Unlock()
		return
	}
	username, remoteIP := s.state.Username, s.state.RemoteIP
	d := keepaliveInterval(username, remoteIP, interval)
	s.keepaliveTimer = time.AfterFunc(d, s.onKeepalive)
	s.mu.Unlock()
}

func (s *Session) onKeepalive() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.outputPending {
		// client is already slow; skip this round (spec.md §4.3).
		s.mu.Unlock()
		s.addKeepaliveTimer()
		return
	}
	s.mu.Unlock()

	if !s.trySend([]byte(stillHereText)) {
		return
	}
	s.addKeepaliveTimer()
}

// AddNotifyFD registers an external-notification fd (spec.md §4.6).
func (s *Session) AddNotifyFD(fd int) {
	s.mu.Lock()
	s.notifyFDs[fd] = &notifyEntry{fd: fd}
	s.mu.Unlock()
	s.core.notifyWatcher.register(fd, s)
}

// onNotifyReadable fires exactly once per readable edge and never reads
// the fd itself (spec.md §4.6). It runs on the shared notifyWatcher's
// poller goroutine, never this session's own.
func (s *Session) onNotifyReadable(fd int) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}
	s.moveBack()
}

// moveBack is imap_client_move_back: try immediately, and if the master
// socket is busy, enqueue for retry (spec.md §4.4/§4.5). Re-entrant calls
// (more client bytes or repeated notify edges arriving while an attempt is
// already queued) are no-ops: the queued attempt already represents this
// session's intent to unhibernate. Callers may be this session's own
// reader, the notify poller, or the retry ticker, so the triggered check
// and the start-time stamp below are each their own critical section.
func (s *Session) moveBack() {
	s.mu.Lock()
	if s.moveBackTriggered {
		s.mu.Unlock()
		return
	}
	s.moveBackTriggered = true
	s.mu.Unlock()

	if s.tryMoveBack() {
		return
	}

	s.mu.Lock()
	if s.moveBackStart.IsZero() {
		s.moveBackStart = time.Now()
	}
	s.mu.Unlock()

	s.core.mu.Lock()
	s.core.enqueueRetryLocked(s)
	s.core.mu.Unlock()

	// The reader goroutine keeps running while the session waits in the
	// retry queue, whether this attempt was input- or notify-driven: Go has
	// no cheap way to "remove" one goroutine's blocking read without
	// closing the fd. Redundant wakeups just re-enter moveBack and
	// re-observe the same queued state, which is harmless.
}

// tryMoveBack is imap_client_try_move_back: attempt a single handoff
// synchronously. Returns true if the caller should stop driving this
// session further this round (either it succeeded, failed terminally, or
// was destroyed for a buffer-full condition) and false if it should be
// retried later. Called from this session's own goroutine (via moveBack)
// and from the shared retry ticker (scheduler.go's runRetryTick); both
// paths go through the same locking as everything else.
func (s *Session) tryMoveBack() bool {
	s.mu.Lock()
	outputPending := s.outputPending
	s.mu.Unlock()
	if outputPending {
		s.Destroy(bufferFullError, false)
		return true
	}

	result, errMsg := s.core.attemptHandoff(s)
	switch result {
	case moveBackSuccess:
		s.core.mu.Lock()
		s.core.dequeueRetryLocked(s)
		s.core.mu.Unlock()
		s.destroyAfterHandoff()
		return true
	case moveBackFailed:
		s.unhibernateFailed(errMsg)
		return true
	default: // moveBackRetryable
		if s.moveBackHasTimedOut() {
			s.unhibernateFailed(errMsg)
			return true
		}
		return false
	}
}

func (s *Session) moveBackHasTimedOut() bool {
	s.mu.Lock()
	start := s.moveBackStart
	s.mu.Unlock()
	if start.IsZero() {
		return false
	}
	return time.Now().After(s.retryDeadline())
}

func (s *Session) unhibernateFailed(errMsg string) {
	s.core.log.Error("unhibernate_failed", s.state.Username, s.state.SessionID,
		"%s: %s", unhibernateFailedMsg, errMsg)
	s.core.mu.Lock()
	s.core.dequeueRetryLocked(s)
	s.core.mu.Unlock()
	s.Destroy(unhibernateFailedMsg, false)
}

// destroyAfterHandoff tears the session down after a successful '+' reply:
// the worker now owns the fd, so no shutdown(RDWR) happens even though the
// fd is still closed on our side (spec.md §3, §4.4 step 5).
func (s *Session) destroyAfterHandoff() {
	s.Destroy("", false)
}

// clientFD returns the raw fd backing s.conn, used both for SCM_RIGHTS
// passing (broker.go) and for shutdown(RDWR) on destroy.
func (s *Session) clientFD() (uintptr, error) {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("session connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	cerr := raw.Control(func(f uintptr) { fd = f })
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}

// Destroy tears the session down per spec.md §4.2's terminal-state list,
// in this order: mirror anvil disconnect, stop timers/watchers, dequeue and
// deregister, then close/half-close the fd. The destroyed check-and-set happens in a single
// critical section so that two callers racing here (an admin kick and a
// retry-tick handoff, say) can never both pass it: exactly one goroutine
// runs the teardown below, matching spec.md §8's "exactly one accounting
// disconnect iff a connect was issued" and §3's "exactly one owner of any
// given fd".
func (s *Session) Destroy(reason string, kicked bool) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	anvilSent := s.anvilSent
	keepaliveTimer := s.keepaliveTimer
	shutdownFD := s.shutdownFDOnDestroy
	notifyFDs := make([]int, 0, len(s.notifyFDs))
	for fd := range s.notifyFDs {
		notifyFDs = append(notifyFDs, fd)
	}
	s.mu.Unlock()

	close(s.stopReader)

	if reason != "" {
		event := "session_destroyed"
		if kicked {
			event = "session_kicked"
		}
		s.core.log.Info(event, s.state.Username, s.state.SessionID, "%s", reason)
	}

	if anvilSent {
		s.core.anvil.Disconnect(s.state.Username, s.core.cfg.ServiceName, s.state.RemoteIP, s.state.AnvilConnGUID)
	}

	if keepaliveTimer != nil {
		keepaliveTimer.Stop()
	}
	for _, fd := range notifyFDs {
		s.core.notifyWatcher.unregister(fd)
	}

	s.core.mu.Lock()
	s.core.dequeueRetryLocked(s)
	delete(s.core.sessions, s)
	s.core.mu.Unlock()

	if shutdownFD {
		if fd, err := s.clientFD(); err == nil {
			_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
		}
	}
	_ = s.conn.Close()
}

// Kick implements spec.md §4.7's per-session kick: write a BYE and
// destroy, distinguishing the graceful-shutdown message from the
// administrative one. Destroy's own locking makes the redundant-kick case
// (two Kick calls racing, or a Kick racing a handoff) safe without any
// check here; the check below is purely to skip the pointless BYE write.
func (s *Session) Kick(shuttingDown bool) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	msg := "Kicked."
	if shuttingDown {
		msg = "Shutting down."
	}
	s.trySend([]byte(fmt.Sprintf("* BYE %s\r\n", msg)))
	reason := "Kicked"
	if shuttingDown {
		reason = "Shutting down"
	}
	s.Destroy(reason, true)
}

// matchesKick implements spec.md §4.7's kick filter: an exact username
// match, further narrowed by an exact conn_guid match when connGUID is
// non-empty. Username and AnvilConnGUID are set once at CreateSession and
// never mutated afterward, so reading them here needs no lock.
func (s *Session) matchesKick(user, connGUID string) bool {
	if s.state.Username != user {
		return false
	}
	return connGUID == "" || s.state.AnvilConnGUID == connGUID
}
