// Package terminal implements the PTY-backed session manager of spec §4.3:
// it spawns the agent binary under a real pseudo-terminal
// (github.com/creack/pty), one session per spawn, and republishes its I/O
// as a bounded, per-subscriber event stream. The spawn path follows a
// child-process lifecycle pattern (stdin write, streaming stdout scan,
// context-cancel kill), with pty.Start replacing plain exec.Cmd pipes to
// give the child a real terminal the way an interactive agent binary
// expects.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// EventKind identifies the TerminalEvent variants of spec §4.3.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStdout  EventKind = "stdout"
	EventStderr  EventKind = "stderr"
	EventExit    EventKind = "exit"
	EventError   EventKind = "error"
)

// Event is one message in a session's event stream.
type Event struct {
	Kind  EventKind
	TS    time.Time
	PID   int
	Chunk []byte
	Code  int
	Err   string
}

// ErrSpawnCircuitOpen is returned by Spawn when the circuit breaker for this
// manager is open following repeated spawn failures (spec §7).
var ErrSpawnCircuitOpen = errors.New("terminal: spawn circuit open")

// DefaultBufferSize is the per-subscriber ring buffer capacity.
const DefaultBufferSize = 512

// Session is a handle to one spawned agent process.
type Session struct {
	ID  string
	PID int

	mgr *Manager
	ptm *os.File
	cmd *exec.Cmd

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	exitOnce sync.Once
	exitCode int
	done     chan struct{}
}

type subscriber struct {
	mu              sync.Mutex
	buf             []Event
	cap             int
	overflowPending bool
	overflowCount   int
	wake            chan struct{}
	closed          bool
}

// Stats summarizes Manager activity, per spec §4.3 stats().
type Stats struct {
	Active       int
	SpawnedTotal int64
	ExitsByCode  map[int]int64
}

// circuitBreaker is a direct port of resilience.py's CircuitBreaker:
// threshold consecutive failures opens the breaker for cooldown.
type circuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	failureCount int
	openUntil    time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (c *circuitBreaker) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.openUntil) {
		return ErrSpawnCircuitOpen
	}
	return nil
}

func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	c.openUntil = time.Time{}
}

func (c *circuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.threshold {
		c.openUntil = time.Now().Add(c.cooldown)
		c.failureCount = 0
	}
}

// Manager spawns and tracks PTY sessions.
type Manager struct {
	breaker *circuitBreaker

	mu           sync.Mutex
	sessions     map[string]*Session
	spawnedTotal int64
	exitsByCode  map[int]int64
}

// New constructs a Manager with the given circuit breaker threshold/cooldown
// (both default per resilience.py's CircuitBreaker if zero).
func New(breakerThreshold int, breakerCooldown time.Duration) *Manager {
	return &Manager{
		breaker:     newCircuitBreaker(breakerThreshold, breakerCooldown),
		sessions:    make(map[string]*Session),
		exitsByCode: make(map[int]int64),
	}
}

// Spawn allocates a PTY, starts argv[0] with argv[1:] as arguments in cwd
// with env, optionally writing stdinText to the child's PTY immediately
// after start, and returns a live Session. The child is killed if ctx is
// cancelled before it exits.
func (m *Manager) Spawn(ctx context.Context, id string, argv []string, cwd string, env []string, stdinText string) (*Session, error) {
	if err := m.breaker.allow(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("terminal: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptm, err := pty.Start(cmd)
	if err != nil {
		m.breaker.recordFailure()
		return nil, fmt.Errorf("terminal: spawn %s: %w", argv[0], err)
	}
	m.breaker.recordSuccess()

	sess := &Session{
		ID:   id,
		PID:  cmd.Process.Pid,
		mgr:  m,
		ptm:  ptm,
		cmd:  cmd,
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.spawnedTotal++
	m.mu.Unlock()

	sess.publish(Event{Kind: EventStarted, TS: time.Now().UTC(), PID: sess.PID})

	if stdinText != "" {
		if _, err := io.WriteString(ptm, stdinText); err != nil {
			slog.Warn("terminal write stdin failed", "session", id, "err", err)
		}
	}

	go sess.readLoop()
	go sess.waitLoop(ctx)

	return sess, nil
}

// Lookup returns the live session for id, if any.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stats returns a snapshot of manager activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, s := range m.sessions {
		select {
		case <-s.done:
		default:
			active++
		}
	}
	byCode := make(map[int]int64, len(m.exitsByCode))
	for k, v := range m.exitsByCode {
		byCode[k] = v
	}
	return Stats{Active: active, SpawnedTotal: m.spawnedTotal, ExitsByCode: byCode}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// readLoop reads the PTY master in chunks, classifying every byte as
// stdout: a PTY merges the child's stdout and stderr into one stream by
// construction, so unlike the plain-pipe SubprocessRuntime this manager
// cannot distinguish stderr at the OS level and publishes everything as
// stdout, in write order, matching spec §4.3's "per stream" ordering
// guarantee trivially (there is exactly one stream).
func (s *Session) readLoop() {
	r := bufio.NewReaderSize(s.ptm, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.publish(Event{Kind: EventStdout, TS: time.Now().UTC(), Chunk: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.publish(Event{Kind: EventError, TS: time.Now().UTC(), Err: err.Error()})
			}
			return
		}
	}
}

func (s *Session) waitLoop(ctx context.Context) {
	err := s.cmd.Wait()
	_ = s.ptm.Close()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.exitOnce.Do(func() {
		s.exitCode = code
		close(s.done)
	})

	s.mgr.mu.Lock()
	s.mgr.exitsByCode[code]++
	s.mgr.mu.Unlock()

	s.publish(Event{Kind: EventExit, TS: time.Now().UTC(), Code: code})
	s.mgr.forget(s.ID)
}

// Send writes bytes to the child's stdin via the PTY.
func (s *Session) Send(p []byte) (int, error) {
	return s.ptm.Write(p)
}

// Kill delivers sig to the child's process group, so a multi-process agent
// (a shell spawning tools of its own) is reached in one signal rather than
// only its immediate shell.
func (s *Session) Kill(sig syscall.Signal) error {
	if s.cmd.Process == nil {
		return errors.New("terminal: process not started")
	}
	return syscall.Kill(-s.cmd.Process.Pid, sig)
}

// Wait blocks until the session's exit event has been published, returning
// the child's exit code (-1 if it died from a signal or could not start).
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Subscribe returns a stream of this session's events from subscribe-time
// forward; historical events are not replayed (spec §4.3 attach semantics).
func (s *Session) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	sub := &subscriber{cap: bufSize, wake: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return &Subscriber{sub: sub, sess: s}
}

func (s *Session) publish(e Event) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		sub.push(e)
	}
}

func (s *Session) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.notify()
}

func (sub *subscriber) push(e Event) {
	sub.mu.Lock()
	if len(sub.buf) >= sub.cap {
		sub.buf = sub.buf[1:]
		sub.overflowCount++
		sub.overflowPending = true
	}
	sub.buf = append(sub.buf, e)
	sub.mu.Unlock()
	sub.notify()
}

func (sub *subscriber) notify() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// Subscriber is a bound, per-consumer view of a Session's event stream.
type Subscriber struct {
	sub  *subscriber
	sess *Session
}

// Unsubscribe detaches this subscriber from its session.
func (c *Subscriber) Unsubscribe() {
	c.sess.unsubscribe(c.sub)
}

// Next blocks for the next event, returning a synthetic error(kind=overflow)
// event first if this subscriber fell behind and dropped chunks (spec §4.3
// backpressure guarantee).
func (c *Subscriber) Next(ctx context.Context) (Event, error) {
	s := c.sub
	for {
		s.mu.Lock()
		if s.overflowPending {
			n := s.overflowCount
			s.overflowPending = false
			s.overflowCount = 0
			s.mu.Unlock()
			return Event{Kind: EventError, TS: time.Now().UTC(), Err: fmt.Sprintf("overflow: dropped %d events", n)}, nil
		}
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return e, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.wake:
		}
	}
}
