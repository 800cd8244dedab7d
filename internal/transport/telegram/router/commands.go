package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	rtsup "steamwatch/internal/runtime/supervisor"
	kit "steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"

	"github.com/google/uuid"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space-separated command path, e.g. "track" or
	// "achievements group".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	From    string
	Path    []string // matched command path tokens
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	// Group is the chat's own group id; handlers may override it with --group.
	Group string

	Adapter kit.Adapter
	Logger  logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Adapter.Reply(ctx, r.Chat, text)
}

type CommandManager struct {
	mu      sync.RWMutex
	root    *cmdNode
	alias   map[string]*cmdNode // alias or menu name -> leaf
	owners  []int64
	timeout time.Duration

	log     logx.Logger
	adapter kit.Adapter
	audit   Auditor

	// run state of DispatchLoop; jobs is nil while stopped.
	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

const (
	commandWorkers  = 2
	commandQueueCap = 256
)

func NewCommandManager(log logx.Logger, adapter kit.Adapter, audit Auditor, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		timeout: 30 * time.Second,
		log:     log,
		adapter: adapter,
		audit:   audit,
	}
}

// Supervisor is nil unless DispatchLoop is running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetOwners replaces the ids allowed to run owner-only commands.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

// SetCommandTimeout sets the default handler timeout; d <= 0 is ignored.
func (m *CommandManager) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.timeout = d
		m.mu.Unlock()
	}
}

// SetRegistry replaces the command set. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	root, alias := newRoot(), map[string]*cmdNode{}
	var leaves []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)

		// "achievements group" is also reachable as /achievements_group. A
		// one-word route is not aliased to itself, so subcommands still resolve.
		if name, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || name != route[0]) && alias[name] == nil {
			alias[name] = leaf
		}
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a == "" || strings.ContainsRune(a, ' ') {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" && alias[sa] == nil {
				alias[sa] = leaf
			}
		}
	}

	m.mu.Lock()
	m.root, m.alias = root, alias
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(root, leaves)
	publish := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Debug("menu update failed", logx.Err(err))
		}
	}
	if sup := m.Supervisor(); sup != nil {
		sup.Go0("telegram.menu.update", publish)
		return
	}
	go publish(context.Background())
}

// DispatchLoop routes updates until ctx ends or updates closes. Handlers
// run on a small worker pool; a full queue answers "busy".
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan func(), commandQueueCap)
	m.runMu.Lock()
	m.sup, m.jobs = sup, jobs
	m.runMu.Unlock()

	for i := range commandWorkers {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			return m.work(c, i, jobs)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", commandWorkers), logx.Int("job_queue_cap", commandQueueCap))

	defer func() {
		m.runMu.Lock()
		m.sup, m.jobs = nil, nil
		close(jobs)
		m.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) work(ctx context.Context, idx int, jobs <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			m.runJob(idx, job)
		}
	}
}

func (m *CommandManager) runJob(idx int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) enqueue(fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.jobs == nil {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// resolve maps a command word plus args to a command. A bare group
// returns its node with a nil cmd so the caller can show its help.
func (m *CommandManager) resolve(word string, args []string) (node *cmdNode, path, rest []string, found bool) {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf := alias[word]; leaf != nil && leaf.cmd != nil {
		return leaf, splitRoute(leaf.cmd.Route), args, true
	}
	node, ok := root.child(word)
	if !ok {
		return nil, nil, nil, false
	}
	path = []string{word}
	for len(args) > 0 {
		next, ok := node.child(args[0])
		if !ok {
			break
		}
		node, path, args = next, append(path, args[0]), args[1:]
	}
	return node, path, args, true
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	// "/track@steamwatch_bot" in groups
	word, _, _ := strings.Cut(strings.TrimPrefix(parts[0], "/"), "@")
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	node, path, args, found := m.resolve(word, parts[1:])
	switch {
	case !found:
		if !msg.IsGroup {
			_ = m.adapter.Reply(ctx, chat, "unknown command, try /help")
		}
	case node.cmd == nil:
		_ = m.adapter.Reply(ctx, chat, m.helpText(path))
	default:
		m.enqueueCommand(ctx, up, *node.cmd, path, args)
	}
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	allowed := cmd.Access != AccessOwnerOnly || slices.Contains(m.owners, msg.FromID)
	timeout := m.timeout
	m.mu.RUnlock()
	if !allowed {
		_ = m.adapter.Reply(ctx, chat, "unauthorized")
		return
	}
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	rid := uuid.NewString()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		From:      msg.FromUsername,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Group:     msg.Group(),
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	h := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWAudit(m.audit),
		MWReplyError(),
		MWTimeout(timeout),
	)
	if !m.enqueue(func() { _ = h(ctx, req) }) {
		_ = m.adapter.Reply(ctx, chat, "busy, try again")
	}
}
