package session

import (
	"strings"
	"time"

	"github.com/remote-agent-terminal/termbridge/internal/config"
)

const (
	defaultCols              = 80
	defaultRows              = 30
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteWait         = 10 * time.Second
	defaultMaxMessageSize    = 1 << 20
	defaultSendBuffer        = 256
)

// Config is the fixed parameter set every session is started with. It is
// built once at startup; a Session never reads ambient process state.
type Config struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string

	Cols uint16
	Rows uint16

	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	WriteWait         time.Duration
	MaxMessageSize    int64
	SendBuffer        int

	// RecordDir enables asciinema recordings when set.
	RecordDir string

	// OutputTail is how many trailing output bytes end up in the audit
	// record. 0 disables the tail.
	OutputTail int
}

// NewConfig derives a session Config from the server configuration and the
// environment the shell should inherit. TERM is added only when environ
// does not already carry one.
func NewConfig(tc config.TerminalConfig, recordDir string, environ []string) Config {
	env := make([]string, 0, len(environ)+1)
	env = append(env, environ...)
	if tc.Term != "" && lookupEnv(env, "TERM") == "" {
		env = append(env, "TERM="+tc.Term)
	}

	return Config{
		Shell:             tc.Shell,
		Dir:               tc.WorkDir,
		Env:               env,
		Cols:              tc.Cols,
		Rows:              tc.Rows,
		HeartbeatInterval: tc.HeartbeatInterval,
		MaxMissedPongs:    tc.MaxMissedPongs,
		WriteWait:         tc.WriteWait,
		MaxMessageSize:    tc.MaxMessageSize,
		SendBuffer:        tc.SendBuffer,
		RecordDir:         recordDir,
		OutputTail:        tc.OutputTail,
	}
}

func (c Config) withDefaults() Config {
	if c.Cols == 0 {
		c.Cols = defaultCols
	}
	if c.Rows == 0 {
		c.Rows = defaultRows
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxMissedPongs < 1 {
		c.MaxMissedPongs = 1
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// lookupEnv returns the last value of key in env, the one exec would use.
func lookupEnv(env []string, key string) string {
	prefix := key + "="
	value := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			value = kv[len(prefix):]
		}
	}
	return value
}
