package app

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "remindd/internal/runtime/supervisor"
	kit "remindd/internal/transport"
	logx "remindd/pkg/logx"
)

const (
	commandWorkers  = 2
	commandQueueCap = 64
	defaultCmdTTL   = 15 * time.Second
)

// Command is one chat command. All commands are owner-only.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string
	Logger  logx.Logger
}

// CommandManager routes inbound chat messages to owner commands on a small
// worker pool.
type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	order  []*Command
	owners []int64
	bools  []string

	log    logx.Logger
	sender kit.Sender

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender kit.Sender, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:   map[string]*Command{},
		owners: slices.Clone(owners),
		log:    log,
		sender: sender,
		jobs:   make(chan func(), commandQueueCap),
	}
}

// Register adds commands. boolFlags names flags that never take a value.
func (m *CommandManager) Register(boolFlags []string, cmds ...Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bools = append(m.bools, boolFlags...)
	for i := range cmds {
		c := &cmds[i]
		m.order = append(m.order, c)
		m.cmds[c.Name] = c
		for _, a := range c.Aliases {
			m.cmds[a] = c
		}
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// MenuCommands returns the chat client menu, in registration order.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.order))
	for _, c := range m.order {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (m *CommandManager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range m.order {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		b.WriteString("\n  ")
		b.WriteString(c.Description)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *CommandManager) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if m.sender == nil {
		return
	}
	if _, err := m.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	for i := 0; i < commandWorkers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", commandWorkers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, msg)
		}
	}
}

func (m *CommandManager) route(root context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	bools := m.bools
	m.mu.RUnlock()

	if !m.isOwner(msg.FromID) {
		m.log.Debug("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		return
	}
	if !ok {
		m.reply(root, chat, "unknown command. try /help")
		return
	}

	pos, flags, bs := parseFlags(parts[1:], bools...)
	rid := newReqID()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		Bools:   bs,
		ReqID:   rid,
		Logger:  m.log.With(logx.String("rid", rid), logx.String("cmd", cmd.Name)),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCmdTTL
	}
	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(timeout))
	if !m.tryEnqueue(func() {
		if err := final(root, req); err != nil {
			m.reply(root, chat, "error: "+err.Error())
		}
	}) {
		m.reply(root, chat, "busy, try again")
	}
}
