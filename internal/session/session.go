package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/termbridge/internal/buffer"
	"github.com/remote-agent-terminal/termbridge/internal/metrics"
	"github.com/remote-agent-terminal/termbridge/internal/model"
	"github.com/remote-agent-terminal/termbridge/internal/pty"
	"github.com/remote-agent-terminal/termbridge/internal/recording"
)

// ErrClosed is returned by Run when the session was closed before it started.
var ErrClosed = errors.New("session closed")

// maxLoggedMessage caps how much of a dropped message ends up in the log.
const maxLoggedMessage = 64

// Conn is the subset of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Process is the shell attached to a session.
type Process interface {
	Write(data []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
	PID() int
}

// Spawner starts the shell for a session.
type Spawner func(opts pty.StartOptions) (Process, error)

// PTYSpawner starts the shell on a real pseudo-terminal.
func PTYSpawner(opts pty.StartOptions) (Process, error) {
	p, err := pty.Start(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Listener is notified when a session starts and when it ends. Calls are
// made synchronously from session goroutines.
type Listener interface {
	SessionStarted(rec model.Session)
	SessionEnded(rec model.Session)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger; the session adds its own fields.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSpawner replaces PTYSpawner.
func WithSpawner(spawn Spawner) Option {
	return func(s *Session) { s.spawn = spawn }
}

// WithListener registers a lifecycle listener.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithRemoteAddr records the peer address.
func WithRemoteAddr(addr string) Option {
	return func(s *Session) { s.remoteAddr = addr }
}

// Session bridges one socket connection and one shell.
type Session struct {
	id         string
	conn       Conn
	cfg        Config
	spawn      Spawner
	logger     *zap.Logger
	metrics    *metrics.Metrics
	listener   Listener
	remoteAddr string

	recorder *recording.Recorder
	tail     *buffer.Tail

	// alive is set by the pong handler and cleared by every heartbeat tick.
	alive atomic.Bool

	send     chan []byte
	done     chan struct{}
	exited   chan struct{}
	started  atomic.Bool
	exitOnce sync.Once

	closeOnce sync.Once

	mu      sync.Mutex
	process Process
	record  model.Session
}

// New creates a Session for an accepted connection. Nothing is started
// until Run is called.
func New(conn Conn, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		id:     uuid.New().String(),
		conn:   conn,
		cfg:    cfg,
		spawn:  PTYSpawner,
		logger: zap.NewNop(),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if cfg.OutputTail > 0 {
		s.tail = buffer.NewTail(cfg.OutputTail)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(
		zap.String("session_id", s.id),
		zap.String("remote_addr", s.remoteAddr),
	)

	s.record = model.Session{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		Shell:      cfg.Shell,
		Workdir:    cfg.Dir,
		Cols:       cfg.Cols,
		Rows:       cfg.Rows,
		Status:     model.SessionStatusRunning,
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Record returns a snapshot of the session's audit record.
func (s *Session) Record() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Run spawns the shell and bridges it to the connection until the session
// ends. Cancelling ctx closes the session with a going-away close frame.
// Run returns an error only if the shell could not be started.
func (s *Session) Run(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	s.record.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	s.startRecording()

	proc, err := s.spawn(pty.StartOptions{
		Command:        s.cfg.Shell,
		Args:           s.cfg.Args,
		Env:            s.cfg.Env,
		Dir:            s.cfg.Dir,
		InitialCols:    s.cfg.Cols,
		InitialRows:    s.cfg.Rows,
		OutputCallback: s.relayOutput,
		ExitCallback:   s.handleExit,
	})
	if err != nil {
		s.fail(err)
		return err
	}

	pid := proc.PID()
	s.mu.Lock()
	s.process = proc
	s.record.PID = &pid
	rec := s.record
	s.mu.Unlock()

	s.started.Store(true)
	s.metrics.SessionStarted()
	if s.listener != nil {
		s.listener.SessionStarted(rec)
	}
	s.logger.Info("session started",
		zap.String("shell", s.cfg.Shell),
		zap.Int("pid", pid),
	)

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.alive.Store(true)
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	go s.writePump()
	go s.watch(ctx)

	s.readPump()
	<-s.done
	return nil
}

// Close tears the session down. Only the first call has any effect; the
// reason it carries is the one recorded.
func (s *Session) Close(reason model.EndReason) {
	s.closeOnce.Do(func() {
		close(s.done)

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", zap.Error(err))
		}

		s.mu.Lock()
		proc := s.process
		s.mu.Unlock()
		if proc != nil {
			if err := proc.Close(); err != nil {
				s.logger.Debug("failed to close shell", zap.Error(err))
			}
		}

		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				s.logger.Warn("failed to close recording", zap.Error(err))
			}
		}

		if !s.started.Load() {
			return
		}

		endedAt := time.Now().UTC()
		s.mu.Lock()
		s.record.Status = model.SessionStatusClosed
		s.record.EndReason = reason
		s.record.EndedAt = &endedAt
		if s.tail != nil {
			s.record.LastOutput = string(s.tail.Bytes())
		}
		rec := s.record
		s.mu.Unlock()

		s.metrics.SessionEnded(string(reason), rec.Duration())
		if s.listener != nil {
			s.listener.SessionEnded(rec)
		}
		s.logger.Info("session closed",
			zap.String("reason", string(reason)),
			zap.Duration("duration", rec.Duration()),
		)
	})
}

// fail reports a shell that could not be started and closes the connection.
func (s *Session) fail(err error) {
	s.logger.Error("failed to start shell", zap.String("shell", s.cfg.Shell), zap.Error(err))
	s.metrics.SpawnFailed()

	s.closeWithFrame(websocket.CloseInternalServerErr, "failed to start shell")

	endedAt := time.Now().UTC()
	s.mu.Lock()
	s.record.Status = model.SessionStatusFailed
	s.record.EndReason = model.EndReasonSpawnFailed
	s.record.EndedAt = &endedAt
	rec := s.record
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.SessionStarted(rec)
		s.listener.SessionEnded(rec)
	}
	s.Close(model.EndReasonSpawnFailed)
}

func (s *Session) startRecording() {
	if s.cfg.RecordDir == "" {
		return
	}

	env := map[string]string{"SHELL": s.cfg.Shell}
	if term := lookupEnv(s.cfg.Env, "TERM"); term != "" {
		env["TERM"] = term
	}

	rec, err := recording.Create(s.cfg.RecordDir, s.id, s.cfg.Cols, s.cfg.Rows, env)
	if err != nil {
		s.logger.Warn("recording disabled for session", zap.Error(err))
		return
	}
	s.recorder = rec

	s.mu.Lock()
	s.record.RecordingPath = rec.Path()
	s.mu.Unlock()
}

// relayOutput queues a chunk of shell output for the writer. It blocks while
// the queue is full, which in turn stalls the PTY reader. Output produced
// after teardown is dropped.
func (s *Session) relayOutput(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case <-s.done:
		return
	default:
	}

	if s.recorder != nil {
		if err := s.recorder.Output(chunk); err != nil {
			s.logger.Debug("failed to record output", zap.Error(err))
		}
	}
	if s.tail != nil {
		s.tail.Write(chunk)
	}
	s.metrics.Output(len(chunk))

	select {
	case s.send <- chunk:
	case <-s.done:
	}
}

func (s *Session) handleExit(code int, err error) {
	if err != nil {
		s.logger.Debug("shell wait failed", zap.Error(err))
	}
	s.mu.Lock()
	s.record.ExitCode = &code
	s.mu.Unlock()

	s.exitOnce.Do(func() { close(s.exited) })
}

// writePump is the only goroutine that writes data frames. It also runs
// the heartbeat.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			s.write(data)

		case <-s.exited:
			s.drain()
			s.logger.Info("shell exited")
			s.closeWithFrame(websocket.CloseNormalClosure, "process exited")
			s.Close(model.EndReasonProcessExited)
			return

		case <-ticker.C:
			if s.alive.Swap(false) {
				missed = 0
			} else {
				missed++
				if missed >= s.cfg.MaxMissedPongs {
					s.logger.Info("peer stopped answering pings", zap.Int("missed", missed))
					s.metrics.HeartbeatTerminated()
					s.Close(model.EndReasonHeartbeatTimeout)
					return
				}
			}
			s.ping()
		}
	}
}

// drain writes whatever output is still queued.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.send:
			s.write(data)
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.logger.Debug("failed to set write deadline", zap.Error(err))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.logger.Debug("dropping output", zap.Int("bytes", len(data)), zap.Error(err))
	}
}

func (s *Session) ping() {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.logger.Debug("failed to send ping", zap.Error(err))
	}
}

func (s *Session) closeWithFrame(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.logger.Debug("failed to send close frame", zap.Error(err))
	}
}

// watch closes the session when ctx is cancelled.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.closeWithFrame(websocket.CloseGoingAway, "server shutting down")
		s.Close(model.EndReasonServerShutdown)
	case <-s.done:
	}
}

// readPump reads client messages until the connection fails.
func (s *Session) readPump() {
	defer s.Close(model.EndReasonClientClosed)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg []byte) {
	resize, isControl, err := ParseResize(msg)
	switch {
	case err != nil:
		s.metrics.Inbound(metrics.KindMalformed)
		s.logger.Warn("dropping malformed resize message",
			zap.ByteString("message", truncate(msg, maxLoggedMessage)),
			zap.Error(err),
		)

	case isControl:
		s.metrics.Inbound(metrics.KindResize)
		if err := s.process.Resize(resize.Cols, resize.Rows); err != nil {
			s.logger.Debug("failed to resize terminal", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.record.Cols, s.record.Rows = resize.Cols, resize.Rows
		s.mu.Unlock()
		if s.recorder != nil {
			if err := s.recorder.Resize(resize.Cols, resize.Rows); err != nil {
				s.logger.Debug("failed to record resize", zap.Error(err))
			}
		}

	default:
		s.metrics.Inbound(metrics.KindData)
		if _, err := s.process.Write(msg); err != nil {
			s.logger.Debug("failed to write to shell", zap.Error(err))
			return
		}
		if s.recorder != nil {
			if err := s.recorder.Input(msg); err != nil {
				s.logger.Debug("failed to record input", zap.Error(err))
			}
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
