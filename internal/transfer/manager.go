package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// confirmByte is what a receiver writes back once the whole file is stored.
const confirmByte = 0x06

// Reporter receives the outcome of running transfers. Calls come from the
// transfer goroutines, in order for any one transfer, and never for a
// transfer that was aborted through the Manager.
type Reporter interface {
	Progress(s Session)
	Completed(s Session)
	Failed(s Session, err error)
}

type Config struct {
	DownloadDir      string
	AcceptTimeout    time.Duration
	DialTimeout      time.Duration
	ProgressInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
	Scope  tally.Scope
}

func (c *Config) applyDefaults() {
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Scope == nil {
		c.Scope = tally.NoopScope
	}
}

// Manager tracks every transfer this peer takes part in.
type Manager struct {
	config   Config
	reporter Reporter

	mutex    sync.Mutex
	sessions map[Key]*session
	nextID   int

	completed tally.Counter
	failed    tally.Counter
}

func NewManager(config Config, reporter Reporter) *Manager {
	config.applyDefaults()
	return &Manager{
		config:    config,
		reporter:  reporter,
		sessions:  make(map[Key]*session),
		completed: config.Scope.Counter("transfers_completed"),
		failed:    config.Scope.Counter("transfers_failed"),
	}
}

func (m *Manager) newSession(s Session) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{Session: s, ctx: ctx, cancel: cancel}
}

// Offer registers an outgoing transfer of the file at path to peer and
// allocates its ID.
func (m *Manager) Offer(self, peer int, peerName, path string) (Session, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Session{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Session{}, fmt.Errorf("%s is not a regular file", path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nextID++
	s := m.newSession(Session{
		Key:       Key{Offerer: self, ID: m.nextID},
		Peer:      peer,
		PeerName:  peerName,
		Direction: Send,
		FileName:  filepath.Base(path),
		Path:      path,
		Size:      info.Size(),
		Status:    Offered,
	})
	m.sessions[s.Key] = s

	m.config.Logger.Info("File offered",
		zap.Stringer("key", s.Key),
		zap.String("file", s.FileName),
		zap.Int64("size", s.Size),
		zap.Int("peer", peer))
	return s.Session, nil
}

// Incoming registers a transfer offered to us.
func (m *Manager) Incoming(offerer int, peerName string, id int, name string, size int64) (Session, error) {
	key := Key{Offerer: offerer, ID: id}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.sessions[key]; exists {
		return Session{}, fmt.Errorf("duplicate offer %s: %w", key, ErrWrongState)
	}
	s := m.newSession(Session{
		Key:       key,
		Peer:      offerer,
		PeerName:  peerName,
		Direction: Receive,
		FileName:  safeName(name),
		Size:      size,
		Status:    Offered,
	})
	m.sessions[key] = s

	m.config.Logger.Info("File offer received",
		zap.Stringer("key", key),
		zap.String("file", s.FileName),
		zap.Int64("size", size))
	return s.Session, nil
}

func (m *Manager) lookup(key Key, dir Direction, status Status) (*session, error) {
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownTransfer)
	}
	if s.Direction != dir || s.Status != status {
		return nil, fmt.Errorf("%s is %s %s: %w", key, s.Direction, s.Status, ErrWrongState)
	}
	return s, nil
}

// Accept opens the listener for an incoming offer and returns the port the
// offerer must connect to.
func (m *Manager) Accept(key Key) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, err := m.lookup(key, Receive, Offered)
	if err != nil {
		return 0, err
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, &IOError{Key: key, Op: "listen", Err: err}
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(m.config.AcceptTimeout))
	}
	context.AfterFunc(s.ctx, func() { ln.Close() })

	s.listener = ln
	s.Status = Accepted
	go m.receive(s, ln)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Start connects an accepted outgoing transfer to the receiver at ip:port
// and begins sending.
func (m *Manager) Start(key Key, ip net.IP, port int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, err := m.lookup(key, Send, Offered)
	if err != nil {
		return err
	}
	s.Status = Accepted
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	go m.send(s, addr)
	return nil
}

// Reject drops an incoming offer that was never accepted.
func (m *Manager) Reject(key Key) (Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, err := m.lookup(key, Receive, Offered)
	if err != nil {
		return Session{}, err
	}
	return m.finish(s, Cancelled), nil
}

// Abort cancels a transfer in any non-terminal state, closing its listener
// and connection immediately. The second and later calls for the same key
// return false.
func (m *Manager) Abort(key Key) (Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return m.finish(s, Cancelled), true
}

// AbortPeer cancels every transfer with the given peer.
func (m *Manager) AbortPeer(peer int) []Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Session
	for _, s := range m.sessions {
		if s.Peer == peer {
			out = append(out, m.finish(s, Cancelled))
		}
	}
	sortSessions(out)
	return out
}

// AbortAll cancels every transfer.
func (m *Manager) AbortAll() []Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.finish(s, Cancelled))
	}
	sortSessions(out)
	return out
}

func (m *Manager) Get(key Key) (Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// List returns every live transfer ordered by key.
func (m *Manager) List() []Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Session)
	}
	sortSessions(out)
	return out
}

func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Key.Offerer != list[j].Key.Offerer {
			return list[i].Key.Offerer < list[j].Key.Offerer
		}
		return list[i].Key.ID < list[j].Key.ID
	})
}

// finish moves s to a terminal status and forgets it. Callers hold the mutex.
func (m *Manager) finish(s *session, status Status) Session {
	s.Status = status
	delete(m.sessions, s.Key)
	s.cancel()
	return s.Session
}

// live reports whether s is still tracked, i.e. nobody aborted it.
func (m *Manager) live(s *session) bool {
	current, ok := m.sessions[s.Key]
	return ok && current == s
}

// activate records the stream of a running transfer. It returns false when
// the transfer was aborted meanwhile.
func (m *Manager) activate(s *session, conn net.Conn) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.live(s) {
		conn.Close()
		return false
	}
	s.conn = conn
	s.Status = Active
	s.lastReport = m.config.Clock.Now()
	context.AfterFunc(s.ctx, func() { conn.Close() })
	return true
}

func (m *Manager) progress(s *session) func(int64) {
	return func(n int64) {
		m.mutex.Lock()
		if !m.live(s) {
			m.mutex.Unlock()
			return
		}
		s.Transferred = n
		now := m.config.Clock.Now()
		if now.Sub(s.lastReport) < m.config.ProgressInterval {
			m.mutex.Unlock()
			return
		}
		s.lastReport = now
		snap := s.Session
		m.mutex.Unlock()

		m.reporter.Progress(snap)
	}
}

func (m *Manager) complete(s *session, n int64) {
	m.mutex.Lock()
	if !m.live(s) {
		m.mutex.Unlock()
		return
	}
	s.Transferred = n
	snap := m.finish(s, Completed)
	m.mutex.Unlock()

	m.completed.Inc(1)
	m.config.Logger.Info("Transfer completed",
		zap.Stringer("key", snap.Key),
		zap.String("direction", snap.Direction.String()),
		zap.String("path", snap.Path),
		zap.Int64("bytes", n))
	m.reporter.Progress(snap)
	m.reporter.Completed(snap)
}

func (m *Manager) fail(s *session, err error) {
	m.mutex.Lock()
	if !m.live(s) {
		m.mutex.Unlock()
		return
	}
	snap := m.finish(s, Failed)
	m.mutex.Unlock()

	m.failed.Inc(1)
	m.config.Logger.Warn("Transfer failed", zap.Stringer("key", snap.Key), zap.Error(err))
	m.reporter.Failed(snap, err)
}

func (m *Manager) receive(s *session, ln net.Listener) {
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		m.fail(s, &IOError{Key: s.Key, Op: "accept", Err: err})
		return
	}
	if !m.activate(s, conn) {
		return
	}
	defer conn.Close()

	file, path, err := createUnique(m.config.DownloadDir, s.FileName)
	if err != nil {
		m.fail(s, &IOError{Key: s.Key, Op: "create", Err: err})
		return
	}
	m.mutex.Lock()
	s.Path = path
	m.mutex.Unlock()

	// One byte past the offered size is enough to tell an oversized stream.
	writer := &progressWriter{writer: file, onProgress: m.progress(s)}
	n, err := io.Copy(writer, io.LimitReader(conn, s.Size+1))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n != s.Size {
		err = fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, n, s.Size)
	}
	if err == nil {
		_, err = conn.Write([]byte{confirmByte})
	}
	if err != nil {
		os.Remove(path)
		m.fail(s, &IOError{Key: s.Key, Op: "receive", Err: err})
		return
	}
	m.complete(s, n)
}

func (m *Manager) send(s *session, addr string) {
	dialer := net.Dialer{Timeout: m.config.DialTimeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		m.fail(s, &IOError{Key: s.Key, Op: "dial", Err: err})
		return
	}
	if !m.activate(s, conn) {
		return
	}
	defer conn.Close()

	file, err := os.Open(s.Path)
	if err != nil {
		m.fail(s, &IOError{Key: s.Key, Op: "open", Err: err})
		return
	}
	defer file.Close()

	reader := &progressReader{reader: file, onProgress: m.progress(s)}
	n, err := io.Copy(conn, reader)
	if err == nil && n != s.Size {
		err = fmt.Errorf("%w: sent %d of %d bytes", ErrShortTransfer, n, s.Size)
	}
	if err != nil {
		m.fail(s, &IOError{Key: s.Key, Op: "send", Err: err})
		return
	}

	// Half-close and wait for the receiver to confirm the file is on disk.
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			m.fail(s, &IOError{Key: s.Key, Op: "close", Err: err})
			return
		}
	}
	var confirm [1]byte
	if _, err := io.ReadFull(conn, confirm[:]); err != nil || confirm[0] != confirmByte {
		if err == nil {
			err = fmt.Errorf("unexpected byte %#x", confirm[0])
		}
		m.fail(s, &IOError{Key: s.Key, Op: "confirm", Err: fmt.Errorf("%w: %w", ErrUnconfirmed, err)})
		return
	}
	m.complete(s, n)
}
