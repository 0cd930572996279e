package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/remote-agent-terminal/termbridge/internal/config"
	"github.com/remote-agent-terminal/termbridge/internal/metrics"
	"github.com/remote-agent-terminal/termbridge/internal/model"
	"github.com/remote-agent-terminal/termbridge/internal/pty"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory socket. Messages pushed to inbound are returned
// by ReadMessage; frames written by the session are recorded.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	autoPong bool

	mu          sync.Mutex
	frames      [][]byte
	frameTypes  []int
	pings       int
	closeFrames []int
	readLimit   int64
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.frameTypes = append(c.frameTypes, messageType)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	switch messageType {
	case websocket.PingMessage:
		c.pings++
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		c.closeFrames = append(c.closeFrames, code)
	}
	handler := c.pongHandler
	c.mu.Unlock()

	if messageType == websocket.PingMessage && c.autoPong && handler != nil {
		return handler("")
	}
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readLimit = limit
}

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// disconnect simulates the client going away.
func (c *fakeConn) disconnect() { c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) output() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeFrames...)
}

// fakeProcess records what the session asks of the shell, in order.
type fakeProcess struct {
	opts pty.StartOptions

	mu     sync.Mutex
	events []string
	closes int
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return 0, pty.ErrClosed
	}
	p.events = append(p.events, "write:"+string(data))
	return len(data), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return pty.ErrClosed
	}
	p.events = append(p.events, fmt.Sprintf("resize:%dx%d", cols, rows))
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) emit(s string) { p.opts.OutputCallback([]byte(s)) }

func (p *fakeProcess) exit(code int) { p.opts.ExitCallback(code, nil) }

func (p *fakeProcess) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakeProcess) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeListener struct {
	mu      sync.Mutex
	started []model.Session
	ended   []model.Session
}

func (l *fakeListener) SessionStarted(rec model.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, rec)
}

func (l *fakeListener) SessionEnded(rec model.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, rec)
}

func (l *fakeListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started), len(l.ended)
}

func (l *fakeListener) lastEnded() model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended[len(l.ended)-1]
}

type harness struct {
	t        *testing.T
	conn     *fakeConn
	proc     *fakeProcess
	listener *fakeListener
	metrics  *metrics.Metrics
	session  *Session
	spawned  chan struct{}
	runErr   chan error
	cancel   context.CancelFunc
}

func testConfig() Config {
	return Config{
		Shell:             "/bin/sh",
		Dir:               "/tmp",
		Env:               []string{"TERM=xterm-color"},
		Cols:              80,
		Rows:              30,
		HeartbeatInterval: time.Hour,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		conn:     newFakeConn(),
		proc:     &fakeProcess{},
		listener: &fakeListener{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		spawned:  make(chan struct{}),
		runErr:   make(chan error, 1),
	}

	spawner := func(o pty.StartOptions) (Process, error) {
		h.proc.opts = o
		close(h.spawned)
		return h.proc, nil
	}

	all := append([]Option{
		WithSpawner(spawner),
		WithListener(h.listener),
		WithMetrics(h.metrics),
		WithRemoteAddr("127.0.0.1:5555"),
	}, opts...)
	h.session = New(h.conn, cfg, all...)
	return h
}

func (h *harness) start() {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.t.Cleanup(cancel)

	go func() { h.runErr <- h.session.Run(ctx) }()

	select {
	case <-h.spawned:
	case <-time.After(waitTimeout):
		h.t.Fatal("shell was never spawned")
	}
	require.Eventually(h.t, func() bool {
		started, _ := h.listener.counts()
		return started == 1
	}, waitTimeout, 5*time.Millisecond)
}

func (h *harness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) waitEvents(n int) []string {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.proc.recorded()) >= n
	}, waitTimeout, 5*time.Millisecond, "got events %q", h.proc.recorded())
	return h.proc.recorded()
}

func TestResizeThenInput(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.conn.inbound <- []byte("resize:100,50")
	h.conn.inbound <- []byte("ls\n")

	events := h.waitEvents(2)
	assert.Equal(t, []string{"resize:100x50", "write:ls\n"}, events)

	rec := h.session.Record()
	assert.Equal(t, uint16(100), rec.Cols)
	assert.Equal(t, uint16(50), rec.Rows)

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
	assert.Equal(t, 1, h.proc.closeCount())
}

func TestSpawnOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Args = []string{"-l"}
	cfg.Cols, cfg.Rows = 132, 43

	h := newHarness(t, cfg)
	h.start()

	opts := h.proc.opts
	assert.Equal(t, "/bin/sh", opts.Command)
	assert.Equal(t, []string{"-l"}, opts.Args)
	assert.Equal(t, "/tmp", opts.Dir)
	assert.Equal(t, []string{"TERM=xterm-color"}, opts.Env)
	assert.Equal(t, uint16(132), opts.InitialCols)
	assert.Equal(t, uint16(43), opts.InitialRows)

	h.conn.mu.Lock()
	assert.Equal(t, int64(defaultMaxMessageSize), h.conn.readLimit)
	h.conn.mu.Unlock()

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
}

func TestMalformedResizeDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, testConfig(), WithLogger(zap.New(core)))
	h.start()

	malformed := []string{
		"resize:abc,40",
		"resize:80",
		"resize:",
		"resize:0,24",
		"resize:-1,24",
		"resize:70000,24",
	}
	for _, m := range malformed {
		h.conn.inbound <- []byte(m)
	}
	h.conn.inbound <- []byte("echo ok\n")

	events := h.waitEvents(1)
	assert.Equal(t, []string{"write:echo ok\n"}, events)
	assert.Equal(t, len(malformed), logs.FilterMessage("dropping malformed resize message").Len())
	assert.Equal(t, float64(len(malformed)),
		testutil.ToFloat64(h.metrics.InboundMessages.WithLabelValues(metrics.KindMalformed)))

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
}

func TestDataForwardedVerbatim(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	inputs := []string{
		"Resize:10,10",
		" resize:10,10",
		"\x1b[A",
		"\x03",
		"echo résumé\n",
	}
	for _, in := range inputs {
		h.conn.inbound <- []byte(in)
	}

	events := h.waitEvents(len(inputs))
	for i, in := range inputs {
		assert.Equal(t, "write:"+in, events[i])
	}

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
}

func TestOutputRelayedInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 4

	h := newHarness(t, cfg)
	h.start()

	const chunks = 100
	want := make([]string, chunks)
	for i := 0; i < chunks; i++ {
		want[i] = fmt.Sprintf("chunk-%03d", i)
		h.proc.emit(want[i])
	}

	require.Eventually(t, func() bool {
		return len(h.conn.output()) == chunks
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, want, h.conn.output())

	h.conn.mu.Lock()
	for _, typ := range h.conn.frameTypes {
		assert.Equal(t, websocket.BinaryMessage, typ)
	}
	h.conn.mu.Unlock()

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
}

func TestOutputAfterCloseDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.conn.disconnect()
	require.NoError(t, h.waitRun())

	emitted := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.proc.emit("late")
		}
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(waitTimeout):
		t.Fatal("output after close blocked the producer")
	}
	assert.Empty(t, h.conn.output())
}

func TestInputAfterCloseIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.session.Close(model.EndReasonClientClosed)
	require.NoError(t, h.waitRun())

	h.conn.inbound <- []byte("ls\n")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.proc.recorded())
}

func TestHeartbeatTerminatesSilentPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond

	h := newHarness(t, cfg)
	h.start()

	require.NoError(t, h.waitRun())

	assert.True(t, h.conn.isClosed())
	assert.Equal(t, 1, h.proc.closeCount())
	assert.Equal(t, 1, h.conn.pingCount(), "one missed pong terminates on the next tick")
	assert.Equal(t, model.EndReasonHeartbeatTimeout, h.listener.lastEnded().EndReason)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.HeartbeatTerminations))
}

func TestHeartbeatMissThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MaxMissedPongs = 3

	h := newHarness(t, cfg)
	h.start()

	require.NoError(t, h.waitRun())
	assert.Equal(t, 3, h.conn.pingCount())
	assert.Equal(t, model.EndReasonHeartbeatTimeout, h.listener.lastEnded().EndReason)
}

func TestHeartbeatKeepsRespondingPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	h := newHarness(t, cfg)
	h.conn.autoPong = true
	h.start()

	require.Eventually(t, func() bool {
		return h.conn.pingCount() >= 5
	}, waitTimeout, 5*time.Millisecond)

	select {
	case <-h.session.Done():
		t.Fatal("responsive peer was terminated")
	default:
	}

	h.conn.disconnect()
	require.NoError(t, h.waitRun())
	assert.Equal(t, model.EndReasonClientClosed, h.listener.lastEnded().EndReason)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Close(model.EndReasonServerShutdown)
		}()
	}
	h.conn.disconnect()
	wg.Wait()
	require.NoError(t, h.waitRun())

	assert.Equal(t, 1, h.proc.closeCount())
	started, ended := h.listener.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, ended)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.SessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsTotal))
}

func TestProcessExitClosesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.proc.emit("bye\r\n")
	h.proc.exit(7)

	require.NoError(t, h.waitRun())
	assert.Equal(t, []string{"bye\r\n"}, h.conn.output())
	assert.Equal(t, []int{websocket.CloseNormalClosure}, h.conn.closeCodes())

	rec := h.listener.lastEnded()
	assert.Equal(t, model.EndReasonProcessExited, rec.EndReason)
	assert.Equal(t, model.SessionStatusClosed, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 7, *rec.ExitCode)
	require.NotNil(t, rec.PID)
	assert.Equal(t, 4242, *rec.PID)
	require.NotNil(t, rec.EndedAt)
}

func TestOutputTailInRecord(t *testing.T) {
	cfg := testConfig()
	cfg.OutputTail = 8

	h := newHarness(t, cfg)
	h.start()

	h.proc.emit("first line\r\n")
	h.proc.emit("logout\r\n")
	h.proc.exit(0)
	require.NoError(t, h.waitRun())

	assert.Equal(t, "logout\r\n", h.listener.lastEnded().LastOutput)
}

func TestOutputTailDisabled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.proc.emit("anything")
	h.conn.disconnect()
	require.NoError(t, h.waitRun())

	assert.Empty(t, h.listener.lastEnded().LastOutput)
}

func TestServerShutdownSendsGoingAway(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.cancel()

	require.NoError(t, h.waitRun())
	assert.Equal(t, []int{websocket.CloseGoingAway}, h.conn.closeCodes())
	assert.Equal(t, model.EndReasonServerShutdown, h.listener.lastEnded().EndReason)
	assert.Equal(t, 1, h.proc.closeCount())
}

func TestSpawnFailure(t *testing.T) {
	conn := newFakeConn()
	listener := &fakeListener{}
	m := metrics.New(prometheus.NewRegistry())

	s := New(conn, testConfig(),
		WithSpawner(func(pty.StartOptions) (Process, error) {
			return nil, errors.New("no such shell")
		}),
		WithListener(listener),
		WithMetrics(m),
	)

	err := s.Run(context.Background())
	require.Error(t, err)

	assert.True(t, conn.isClosed())
	assert.Equal(t, []int{websocket.CloseInternalServerErr}, conn.closeCodes())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SessionsActive))

	rec := listener.lastEnded()
	assert.Equal(t, model.SessionStatusFailed, rec.Status)
	assert.Equal(t, model.EndReasonSpawnFailed, rec.EndReason)
}

func TestRunAfterClose(t *testing.T) {
	s := New(newFakeConn(), testConfig(), WithSpawner(func(pty.StartOptions) (Process, error) {
		t.Fatal("spawner must not be called")
		return nil, nil
	}))
	s.Close(model.EndReasonClientClosed)
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}

func TestSessionsAreIsolated(t *testing.T) {
	a := newHarness(t, testConfig())
	b := newHarness(t, testConfig())
	a.start()
	b.start()
	assert.NotEqual(t, a.session.ID(), b.session.ID())

	a.conn.inbound <- []byte("one\n")
	b.conn.inbound <- []byte("two\n")
	a.conn.inbound <- []byte("resize:90,20")

	assert.Equal(t, []string{"write:one\n", "resize:90x20"}, a.waitEvents(2))
	assert.Equal(t, []string{"write:two\n"}, b.waitEvents(1))

	a.proc.emit("from-a")
	require.Eventually(t, func() bool { return len(a.conn.output()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, b.conn.output())

	a.conn.disconnect()
	require.NoError(t, a.waitRun())

	b.conn.inbound <- []byte("still here\n")
	assert.Equal(t, []string{"write:two\n", "write:still here\n"}, b.waitEvents(2))
	assert.Equal(t, 0, b.proc.closeCount())

	b.conn.disconnect()
	require.NoError(t, b.waitRun())
}

func TestRecordingWritesCast(t *testing.T) {
	cfg := testConfig()
	cfg.RecordDir = t.TempDir()

	h := newHarness(t, cfg)
	h.start()

	h.proc.emit("$ ")
	h.conn.inbound <- []byte("resize:100,50")
	h.conn.inbound <- []byte("ls\n")
	h.waitEvents(2)

	h.conn.disconnect()
	require.NoError(t, h.waitRun())

	rec := h.listener.lastEnded()
	assert.Equal(t, filepath.Join(cfg.RecordDir, h.session.ID()+".cast"), rec.RecordingPath)

	data, err := os.ReadFile(rec.RecordingPath)
	require.NoError(t, err)
	cast := string(data)
	assert.Contains(t, cast, `"o","$ "`)
	assert.Contains(t, cast, `"r","100x50"`)
	assert.Contains(t, cast, `"i","ls\n"`)
	assert.Equal(t, 4, strings.Count(cast, "\n"), "header plus three events")
}

func TestNewConfigSetsTermOnlyWhenAbsent(t *testing.T) {
	tc := testTerminalConfig()

	cfg := NewConfig(tc, "", []string{"PATH=/bin"})
	assert.Equal(t, []string{"PATH=/bin", "TERM=xterm-color"}, cfg.Env)

	cfg = NewConfig(tc, "", []string{"TERM=screen-256color"})
	assert.Equal(t, []string{"TERM=screen-256color"}, cfg.Env)

	assert.Equal(t, tc.Shell, cfg.Shell)
	assert.Equal(t, tc.WorkDir, cfg.Dir)
	assert.Equal(t, tc.HeartbeatInterval, cfg.HeartbeatInterval)
}

func testTerminalConfig() config.TerminalConfig {
	return config.TerminalConfig{
		Shell:             "/bin/bash",
		Cols:              80,
		Rows:              30,
		WorkDir:           "/home/user",
		Term:              "xterm-color",
		HeartbeatInterval: 30 * time.Second,
		MaxMissedPongs:    1,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    1 << 20,
		SendBuffer:        256,
	}
}
