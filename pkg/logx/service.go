package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink to JSON lines (journald, containers).
	JSON bool
	File FileConfig
	// Components maps a component name to its own level.
	Components map[string]string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath = "./stationdb.log"
)

// Service owns the sinks and swaps them on Apply.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	state atomic.Pointer[sinkState]
}

// sinkState is replaced as a whole on Apply. The zerolog logger itself is
// left at trace; filtering happens per component in Logger.log.
type sinkState struct {
	zl        zerolog.Logger
	level     zerolog.Level
	overrides map[string]zerolog.Level
}

func (s *sinkState) levelFor(comp string) zerolog.Level {
	if comp != "" {
		if lvl, ok := s.overrides[comp]; ok {
			return lvl
		}
	}
	return s.level
}

// New applies cfg and returns the service together with its root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *sinkState {
	if st := s.state.Load(); st != nil {
		return st
	}
	return &sinkState{zl: zerolog.Nop(), level: zerolog.Disabled}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps sinks and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, consoleSink(os.Stdout, cfg.JSON))
	}
	if cfg.File.Enabled {
		if w := s.openFileLocked(cfg.File.Path); w != nil {
			writers = append(writers, w)
		}
	} else {
		s.closeFileLocked()
	}
	if len(writers) == 0 {
		writers = append(writers, consoleSink(os.Stdout, cfg.JSON))
	}

	st := &sinkState{
		zl:        zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(zerolog.TraceLevel).With().Timestamp().Logger(),
		level:     parseLevel(cfg.Level, zerolog.InfoLevel),
		overrides: map[string]zerolog.Level{},
	}
	for comp, lvl := range cfg.Components {
		if comp = strings.TrimSpace(comp); comp != "" {
			st.overrides[comp] = parseLevel(lvl, st.level)
		}
	}
	s.state.Store(st)
}

// openFileLocked reopens the log file only when the path changed.
func (s *Service) openFileLocked(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	if s.file != nil && s.filePath == path {
		return zerolog.SyncWriter(s.file)
	}
	s.closeFileLocked()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "logx: create log dir for %q: %v\n", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

func consoleSink(w io.Writer, json bool) io.Writer {
	if json {
		return w
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return def
	}
}

// ValidLevel reports whether s is a level name; "" means the default.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "off", "disabled":
		return true
	default:
		return false
	}
}
