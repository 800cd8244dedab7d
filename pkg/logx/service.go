package logx

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig forwards log lines at or above MinLevel to an admin group.
type ChatConfig struct {
	Enabled    bool
	Group      string
	MinLevel   string
	RatePerSec int
}

// ChatSender is the subset of a delivery channel the chat sink needs.
type ChatSender interface {
	SendText(ctx context.Context, group string, text string) error
}

const defaultLogFile = "./steamwatch.log"

// Service owns the sinks. Loggers handed out by it pick up every Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex // serializes Apply and Close
	file *os.File
	chat *chatSink
}

// New applies cfg and returns the service plus its root Logger.
func New(cfg Config, sender ChatSender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks for cfg. Loggers already handed out switch over
// on their next line.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(os.Stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := cmp.Or(strings.TrimSpace(cfg.File.Path), defaultLogFile)
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Chat)
	if cfg.Chat.Enabled {
		sinks = append(sinks, s.chat)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if old != nil {
		_ = old.Close()
	}
}

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.stop()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// chatSink is a zerolog.LevelWriter that queues formatted lines for a
// background sender. It never blocks the caller.
type chatSink struct {
	sender ChatSender
	queue  chan [2]string // group, text

	mu       sync.Mutex
	group    string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newChatSink(sender ChatSender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan [2]string, 256), minLevel: zerolog.WarnLevel}
}

func (c *chatSink) configure(cfg ChatConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = strings.TrimSpace(cfg.Group)
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(cfg.RatePerSec, 1)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if !cfg.Enabled || c.cancel != nil {
		return
	}
	if c.group == "" {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but logging.chat.group is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel, c.done = cancel, make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.queue:
			if c.sender != nil {
				_ = c.sender.SendText(ctx, it[0], it[1])
			}
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	group, minLevel, lim := c.group, c.minLevel, c.limiter
	c.mu.Unlock()

	if group == "" || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- [2]string{group, text}:
		default:
		}
	}
	return len(p), nil
}

const (
	chatLineLimit  = 3500
	chatFieldLimit = 600
)

// formatChatLine renders a zerolog JSON line as "[LEVEL] message" followed
// by one "- key=value" line per field. Non-JSON input is passed through.
func formatChatLine(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, chatLineLimit)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if k == "time" || k == "level" || k == "message" {
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatFieldLimit))
	}
	return truncate(b.String(), chatLineLimit)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
