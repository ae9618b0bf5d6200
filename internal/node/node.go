// Package node assembles a runnable ETB node: stores, engine, fabric, and
// the HTTP listener for the remote surface, with an explicit lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SRI-CSL/etb/internal/api"
	"github.com/SRI-CSL/etb/internal/claims"
	"github.com/SRI-CSL/etb/internal/config"
	"github.com/SRI-CSL/etb/internal/engine"
	"github.com/SRI-CSL/etb/internal/fabric"
	"github.com/SRI-CSL/etb/internal/filestore"
	"github.com/SRI-CSL/etb/internal/rules"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wrapper"
	"github.com/SRI-CSL/etb/internal/xmlrpc"
)

// Node is one ETB peer: a process-wide instance with explicit init and
// shutdown.
type Node struct {
	ID  string
	cfg *config.Config
	log *zap.Logger

	Rules    *rules.Store
	Wrappers *wrapper.Registry
	Claims   *claims.Table
	Store    *filestore.Store
	Fabric   *fabric.Fabric
	Engine   *engine.Engine

	httpSrv  *http.Server
	listener net.Listener
	watcher  *fsnotify.Watcher

	mu        sync.Mutex
	ruleFiles map[string][]string // source file -> rule ids loaded from it

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a node from its configuration. It creates the blob store and
// per-goal wrapper workspace directories under the working directory.
func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	store, err := filestore.New(filepath.Join(workDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	workspaces := filepath.Join(workDir, "workspaces")
	if err := os.MkdirAll(workspaces, 0o755); err != nil {
		return nil, err
	}

	rs := rules.NewStore()
	wr := wrapper.NewRegistry()
	if err := wrapper.RegisterBuiltins(wr); err != nil {
		return nil, err
	}
	if cfg.WrappersDir != "" {
		execWrappers, err := wrapper.LoadDir(cfg.WrappersDir)
		if err != nil {
			return nil, fmt.Errorf("load wrappers: %w", err)
		}
		for _, w := range execWrappers {
			if err := wr.Register(w); err != nil {
				return nil, err
			}
		}
		log.Info("process wrappers loaded",
			zap.String("dir", cfg.WrappersDir), zap.Int("count", len(execWrappers)))
	}

	cl := claims.NewTable()
	fab := fabric.New(id, cfg.Host, cfg.Port, log)

	eng := engine.New(engine.Config{
		Workers:       cfg.Workers,
		RemoteTimeout: cfg.RemoteTimeout,
		RemoteRetries: cfg.RemoteRetries,
		WorkspaceDir:  workspaces,
	}, rs, wr, cl, store, api.NewRouter(fab, log), log)
	store.SetSource(api.NewBlobSource(fab, log))

	n := &Node{
		ID:        id,
		cfg:       cfg,
		log:       log.Named("node"),
		Rules:     rs,
		Wrappers:  wr,
		Claims:    cl,
		Store:     store,
		Fabric:    fab,
		Engine:    eng,
		ruleFiles: make(map[string][]string),
	}
	for _, rf := range cfg.RuleFiles {
		if err := n.loadRuleFile(rf); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) loadRuleFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rule file %s: %w", path, err)
	}
	parsed, err := term.ParseRules(string(data))
	if err != nil {
		return fmt.Errorf("rule file %s: %w", path, err)
	}
	n.mu.Lock()
	prev := n.ruleFiles[path]
	n.ruleFiles[path] = n.Rules.ReplaceFile(path, prev, parsed)
	n.mu.Unlock()
	n.log.Info("rules loaded", zap.String("file", path), zap.Int("count", len(parsed)))
	return nil
}

// Start binds the listener, launches the engine workers, the rule-file
// watcher, and the fabric health loop, then serves the remote surface.
func (n *Node) Start() error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	n.listener = listener
	n.Fabric.SetSelfAddr(n.cfg.Host, n.Port())

	srv := xmlrpc.NewServer(n.log)
	api.New(n.Engine, n.Store, n.Fabric, n.cfg.WorkDir, n.log).Register(srv)
	n.httpSrv = &http.Server{Handler: srv}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	n.group = g

	n.Engine.Start()
	n.Fabric.Advertise(ctx, n.Engine.Advertisement())

	g.Go(func() error {
		err := n.httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		n.Fabric.Run(gctx, n.cfg.PingInterval)
		return nil
	})
	if len(n.cfg.RuleFiles) > 0 {
		if err := n.watchRuleFiles(gctx, g); err != nil {
			n.log.Warn("rule file watcher unavailable", zap.Error(err))
		}
	}
	n.log.Info("node started", zap.String("id", n.ID), zap.String("addr", addr))
	return nil
}

// watchRuleFiles reloads a rule file whenever it changes: its previous
// rules are removed and its new rules added one by one, each in its own
// epoch, so the swap is not atomic for concurrent rule matches.
func (n *Node) watchRuleFiles(ctx context.Context, g *errgroup.Group) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	n.watcher = watcher
	watched := make(map[string]bool)
	for _, rf := range n.cfg.RuleFiles {
		dir := filepath.Dir(rf)
		if !watched[dir] {
			watched[dir] = true
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return err
			}
		}
	}
	targets := make(map[string]bool, len(n.cfg.RuleFiles))
	for _, rf := range n.cfg.RuleFiles {
		targets[filepath.Clean(rf)] = true
	}
	g.Go(func() error {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				path := filepath.Clean(ev.Name)
				if !targets[path] {
					continue
				}
				if err := n.loadRuleFile(path); err != nil {
					n.log.Warn("rule reload failed", zap.String("file", path), zap.Error(err))
					continue
				}
				n.Fabric.Advertise(ctx, n.Engine.Advertisement())
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				n.log.Warn("rule watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

// Addr returns the bound listener address, useful when port 0 was requested.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Port returns the bound listener port.
func (n *Node) Port() int {
	if n.listener == nil {
		return 0
	}
	return n.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops the listener, the engine, and the background loops.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	var err error
	if n.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = n.httpSrv.Shutdown(shutdownCtx)
	}
	n.Engine.Stop()
	if n.group != nil {
		if gerr := n.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
	}
	n.log.Info("node stopped", zap.String("id", n.ID))
	return err
}
