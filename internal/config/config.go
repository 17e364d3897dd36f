// Package config resolves the hosting binary's CLI surface (flags,
// .env-file preloading, and environment-sourced tuning knobs).
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Options is the resolved CLI surface of the hosting binary: every flag
// recognised, with --no-* flags normalized into their positive meaning so
// callers never have to double-negate.
type Options struct {
	ConfDir         string
	LogDir          string
	DefaultConsole  string
	LogEnabled      bool
	SessionsEnabled bool
	StartupEvent    string // empty when --no-startup-event is set
	Restarted       bool   // true when --restart was passed (re-exec'd)
	StateFD         int    // -1 when --state-fd was not passed
	Session         bool   // --session: use a per-user supervision domain
	Listen          string // control HTTP surface bind address

	Runtime RuntimeOptions
}

// RuntimeOptions are tuning knobs with no dedicated flag of their own,
// sourced purely from the environment via envdecode.
type RuntimeOptions struct {
	// PollBatchSize is parsed from the environment but read by nothing
	// else: Queue.Poll drains the queue to quiescence with no batch limit.
	PollBatchSize int `env:"JOBD_POLL_BATCH_SIZE,default=256"`

	// MaxRespawnBurst is parsed from the environment but read by nothing
	// else: respawn rate limiting uses only each class's own RespawnLimit
	// and RespawnInterval.
	MaxRespawnBurst int `env:"JOBD_MAX_RESPAWN_BURST,default=10"`

	// DefaultKillTimeout seeds Class.KillTimeout for classes that don't
	// set one explicitly.
	DefaultKillTimeout time.Duration `env:"JOBD_DEFAULT_KILL_TIMEOUT,default=5s"`
}

// Parse resolves Options from argv, preloading a .env file from --confdir
// (if present) before flags are parsed, matching the teacher's
// flag.NewFlagSet(name, flag.ContinueOnError) CLI style.
func Parse(name string, argv []string) (*Options, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	confDir := fs.String("confdir", "/etc/jobd", "directory job class definitions are loaded from")
	logDir := fs.String("logdir", "/var/log/jobd", "directory per-process stdio is captured to")
	defaultConsole := fs.String("default-console", "log", "console setting for classes that don't set one")
	noLog := fs.Bool("no-log", false, "disable stdio capture regardless of class console settings")
	noSessions := fs.Bool("no-sessions", false, "disable per-session control RPC authentication")
	noStartupEvent := fs.Bool("no-startup-event", false, "skip emitting the startup event on boot")
	restart := fs.Bool("restart", false, "indicates this process was re-exec'd and should restore --state-fd")
	stateFD := fs.Int("state-fd", -1, "file descriptor to read a re-exec state snapshot from")
	session := fs.Bool("session", false, "run as a per-user supervision domain rather than the system instance")
	startupEvent := fs.String("startup-event", "startup", "name of the event emitted on boot unless --no-startup-event is set")
	listen := fs.String("listen", "127.0.0.1:8080", "bind address for the control HTTP surface")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	preloadDotEnv(*confDir)

	opts := &Options{
		ConfDir:         *confDir,
		LogDir:          *logDir,
		DefaultConsole:  *defaultConsole,
		LogEnabled:      !*noLog,
		SessionsEnabled: !*noSessions,
		Restarted:       *restart,
		StateFD:         *stateFD,
		Session:         *session,
		Listen:          *listen,
	}
	if !*noStartupEvent {
		opts.StartupEvent = *startupEvent
	}

	if *restart && *stateFD < 0 {
		return nil, fmt.Errorf("config: --restart requires --state-fd")
	}

	if err := envdecode.Decode(&opts.Runtime); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: decode runtime options: %w", err)
	}

	return opts, nil
}

// preloadDotEnv loads a .env file from confDir into the process
// environment, if one exists, before envdecode reads it -- purely a local
// development convenience, so a missing file is not an error.
func preloadDotEnv(confDir string) {
	path := filepath.Join(confDir, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}
