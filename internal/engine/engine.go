package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SRI-CSL/etb/internal/claims"
	"github.com/SRI-CSL/etb/internal/rules"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wrapper"
	"go.uber.org/zap"
)

// Router is the engine's view of the fabric: it finds a provider for a
// predicate nobody local implements and carries the delegation protocol.
type Router interface {
	// FindProvider returns a reachable peer offering pred/arity.
	FindProvider(key string) (peerID string, ok bool)
	// RemoteQuery admits lit as a root goal on the peer; answers come back
	// through Engine.DeliverRemoteAnswer / Engine.RemoteClosed.
	RemoteQuery(ctx context.Context, peerID string, lit term.Literal, corr string) error
	// CloseRemote notifies the peer that the delegation was cancelled.
	CloseRemote(peerID, corr string)
}

// FileResolver is the engine's view of the file store: making wrapper file
// arguments locally resolvable and serving wrapper reads and writes.
type FileResolver interface {
	wrapper.FileService
	Ensure(ctx context.Context, ref term.FileRef) error
}

// Config tunes the engine.
type Config struct {
	Workers       int
	RemoteTimeout time.Duration
	RemoteRetries int
	WorkspaceDir  string // parent of per-goal wrapper workspaces
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		RemoteTimeout: 30 * time.Second,
		RemoteRetries: 3,
	}
}

// Engine owns the goal table and drives goals to quiescence.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	rules    *rules.Store
	wrappers *wrapper.Registry
	claims   *claims.Table
	files    FileResolver
	router   Router

	mu      sync.Mutex
	byFP    map[string]*goal
	byID    map[int64]*goal
	queries map[string]*Query
	remote  map[string]*goal // correlation id -> delegating goal
	nextID  int64
	gen     term.VarGen

	tasks   []func()
	cond    *sync.Cond
	stopped bool
	wg      sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New assembles an engine over the shared stores. router and files may be
// nil on isolated nodes.
func New(cfg Config, rs *rules.Store, wr *wrapper.Registry, cl *claims.Table, files FileResolver, router Router, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	if cfg.RemoteRetries <= 0 {
		cfg.RemoteRetries = DefaultConfig().RemoteRetries
	}
	e := &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		rules:    rs,
		wrappers: wr,
		claims:   cl,
		files:    files,
		router:   router,
		byFP:     make(map[string]*goal),
		byID:     make(map[int64]*goal),
		queries:  make(map[string]*Query),
		remote:   make(map[string]*goal),
	}
	e.cond = sync.NewCond(&e.mu)
	e.baseCtx, e.cancelBase = context.WithCancel(context.Background())
	return e
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains the workers and cancels outstanding wrapper and remote work.
func (e *Engine) Stop() {
	e.cancelBase()
	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped && len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
	}
}

// enqueueLocked schedules fn on g's serial queue. Callers hold e.mu. The
// inflight count rises before the task is visible and falls only after it
// ran, so quiescence checks never observe a gap. Distinct goals progress in
// parallel on the worker pool; one goal's tasks run one at a time, in order.
func (e *Engine) enqueueLocked(g *goal, fn func()) {
	g.inflight++
	if g.state == goalOpen {
		g.state = goalPending
	}
	g.queue = append(g.queue, fn)
	if !g.running {
		g.running = true
		e.tasks = append(e.tasks, func() { e.runGoal(g) })
		e.cond.Signal()
	}
}

// runGoal drains g's queue. It is the goal's owner worker for the duration.
func (e *Engine) runGoal(g *goal) {
	for {
		e.mu.Lock()
		if len(g.queue) == 0 {
			g.running = false
			e.mu.Unlock()
			return
		}
		fn := g.queue[0]
		g.queue = g.queue[1:]
		e.mu.Unlock()
		fn()
		e.mu.Lock()
		g.inflight--
		e.sweepLocked()
		e.mu.Unlock()
	}
}

// goalFor returns the goal evaluating lit, creating and scheduling it if no
// goal with an equivalent fingerprint exists. Callers hold e.mu.
func (e *Engine) goalFor(lit term.Literal, queryIDs map[string]bool) *goal {
	fp := lit.Fingerprint()
	if g, ok := e.byFP[fp]; ok {
		e.addQueriesLocked(g, queryIDs)
		return g
	}
	e.nextID++
	g := &goal{
		id:        e.nextID,
		lit:       lit,
		fp:        fp,
		answerSet: make(map[string]bool),
		children:  make(map[int64]bool),
		queries:   make(map[string]bool),
		seenRules: make(map[string]bool),
	}
	for q := range queryIDs {
		g.queries[q] = true
	}
	if _, dup := e.byFP[fp]; dup {
		// Engine invariant: one evaluation per fingerprint. Unrecoverable.
		panic(fmt.Sprintf("etb: duplicate goal record for %s", lit))
	}
	e.byFP[fp] = g
	e.byID[g.id] = g
	e.enqueueLocked(g, func() { e.expand(g) })
	return g
}

// addQueriesLocked tags g and its subgraph with additional consuming
// queries, re-tagging already recorded claims so query_claims sees answers
// computed before the query attached.
func (e *Engine) addQueriesLocked(g *goal, queryIDs map[string]bool) {
	var added bool
	for q := range queryIDs {
		if !g.queries[q] {
			g.queries[q] = true
			added = true
			for _, a := range g.answers {
				e.claims.Tag(a.claimID, q)
			}
		}
	}
	if !added {
		return
	}
	for id := range g.children {
		if child, ok := e.byID[id]; ok {
			e.addQueriesLocked(child, queryIDs)
		}
	}
}

// attachLocked registers c as a consumer of g and replays the answers
// already in g's answer set, preserving insertion order.
func (e *Engine) attachLocked(g *goal, c consumer) {
	g.consumers = append(g.consumers, c)
	for _, a := range g.answers {
		a := a
		e.enqueueLocked(g, func() { c.deliver(e, a.inst, a.claimID) })
	}
}

// recordAnswerLocked adds a ground instance to g's answer set and pushes it
// to every consumer. Duplicates are suppressed, so each consumer sees each
// answer exactly once.
func (e *Engine) recordAnswerLocked(g *goal, inst term.Literal, edge claims.Edge) {
	key := inst.Canon()
	c, err := e.claims.Add(inst, edge, "")
	if err != nil {
		e.log.Error("claim rejected", zap.String("literal", inst.String()), zap.Error(err))
		return
	}
	for q := range g.queries {
		e.claims.Tag(c.ID, q)
	}
	if g.answerSet[key] {
		return
	}
	g.answerSet[key] = true
	g.answers = append(g.answers, answer{inst: inst, claimID: c.ID})
	for _, cons := range g.consumers {
		cons := cons
		e.enqueueLocked(g, func() { cons.deliver(e, inst, c.ID) })
	}
}

// errorClaimLocked surfaces a per-goal problem as an error claim so the
// derivation stays introspectable; the goal itself completes normally.
func (e *Engine) errorClaimLocked(g *goal, source, msg string) {
	lit := term.Literal{Pred: "error", Args: []term.Term{
		term.Str{Value: g.lit.Canon()},
		term.Str{Value: msg},
	}}
	edge := claims.Edge{Kind: claims.EdgeWrapper, Wrapper: source, ArgsDigest: claims.Digest(lit, claims.Edge{})}
	c, err := e.claims.Add(lit, edge, "")
	if err != nil {
		e.log.Error("error claim rejected", zap.Error(err))
		return
	}
	for q := range g.queries {
		e.claims.Tag(c.ID, q)
	}
	e.log.Debug("error claim",
		zap.String("goal", g.lit.String()), zap.String("source", source), zap.String("msg", msg))
}
