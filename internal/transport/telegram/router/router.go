// Package router dispatches inbound chat commands onto the scheduling core.
// It is platform-agnostic: everything Telegram-specific stays behind the
// transport adapter.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"focusbot/internal/alarm"
	"focusbot/internal/notify"
	"focusbot/internal/points"
	"focusbot/internal/prefs"
	"focusbot/internal/rollup"
	"focusbot/internal/runtime/supervisor"
	"focusbot/internal/session"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Logger   logx.Logger
	Services *Services
}

// Services collects everything a handler can touch.
type Services struct {
	Alarms   *alarm.Service
	Sessions *session.Service
	Prefs    *prefs.Service
	Points   *points.Store
	Rollup   *rollup.Service
	Notify   *notify.Service
}

type Router struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // root word -> command (aliases included)
	order []string            // canonical routes in registration order, for /help

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services

	runMu   sync.Mutex
	running bool

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, serv *Services) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:    map[string]*Command{},
		log:     log,
		adapter: adapter,
		serv:    serv,
		jobs:    make(chan func(), 128),
	}
	r.register(builtinCommands())
	return r
}

func (r *Router) register(cmds []Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		if c.Route == "" || c.Handle == nil {
			continue
		}
		r.cmds[c.Route] = &c
		r.order = append(r.order, c.Route)
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a != "" && !strings.Contains(a, " ") {
				r.cmds[a] = &c
			}
		}
	}
}

// tryEnqueue is panic-safe in case the jobs channel is already closed.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
// Handlers run on a bounded worker pool so one slow reply cannot stall the
// stream.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))))
	r.runMu.Lock()
	r.running = true
	r.runMu.Unlock()

	r.log.Info("command dispatcher started",
		logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.runMu.Lock()
			r.running = false
			r.runMu.Unlock()
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	// strip bot-mention suffix ("/alarm@focusbot")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	args := parts[1:]

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	// Every command chat is a daily-rollup destination candidate, and the
	// sender's name feeds the leaderboard display.
	if r.serv != nil && r.serv.Rollup != nil {
		r.serv.Rollup.ObserveDestination(chat)
		r.serv.Rollup.ObserveUser(msg.FromID, msg.FromUsername)
	}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rid := uuid.NewString()[:8]
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)

	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Route,
		Args:         args,
		ReqID:        rid,
		Logger:       reqLog,
		Services:     r.serv,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, chat, "busy, try again", nil)
	}
}

// reply sends handler output back to the originating chat.
func (req *Request) reply(ctx context.Context, text string) error {
	if req.Services == nil || req.Services.Notify == nil {
		return nil
	}
	return req.Services.Notify.Deliver(ctx, req.Chat, text)
}
