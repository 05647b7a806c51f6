// Package orchestrator assembles the runtime: store, event bus, secret
// vault, model registry, consensus engine, dispatcher, task manager,
// scheduler, and gateway, all threaded together through the agent
// environment. Nothing here is global; tests build a System per case
// with paths pointed at a temp directory.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/embedding"

	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/consensus"
	"github.com/dohr-michael/quorum/internal/dispatch"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/gateway"
	"github.com/dohr-michael/quorum/internal/heartbeat"
	"github.com/dohr-michael/quorum/internal/lessons"
	"github.com/dohr-michael/quorum/internal/mcp"
	"github.com/dohr-michael/quorum/internal/models"
	"github.com/dohr-michael/quorum/internal/schedule"
	"github.com/dohr-michael/quorum/internal/secrets"
	"github.com/dohr-michael/quorum/internal/skills"
	"github.com/dohr-michael/quorum/internal/store"
	"github.com/dohr-michael/quorum/internal/task"
)

// Paths locates the durable files the runtime owns. Zero values fall back
// to the standard locations under the quorum home directory.
type Paths struct {
	DB        string
	AgeKey    string
	Heartbeat string
}

func (p Paths) withDefaults() Paths {
	if p.DB == "" {
		p.DB = config.DBPath()
	}
	if p.AgeKey == "" {
		p.AgeKey = config.AgeKeyPath()
	}
	if p.Heartbeat == "" {
		p.Heartbeat = config.HeartbeatPath()
	}
	return p
}

// System is the wired runtime. Build with New, run with Start, stop with
// Shutdown. The gateway server is constructed but not listening; the serve
// command decides whether to expose it.
type System struct {
	Cfg *config.Config
	Log *slog.Logger

	Store      *store.Store
	Bus        *events.Bus
	Vault      *secrets.Vault
	Models     *models.Registry
	Embedder   embedding.Embedder
	Engine     *consensus.Engine
	Registry   *agent.Registry
	Tracker    *budget.Tracker
	Dispatcher *dispatch.Dispatcher
	Skills     *skills.Registry
	MCP        *mcp.Manager
	Lessons    *lessons.Journal
	Extractor  *lessons.Extractor
	Env        agent.Env
	Tasks      *task.Manager
	Scheduler  *schedule.Scheduler
	Gateway    *gateway.Server
	Heartbeat  *heartbeat.Writer

	started bool
}

// New wires every component. It opens the database and the vault key but
// starts no goroutines; call Start for that. On error everything already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, paths Paths, log *slog.Logger) (*System, error) {
	if log == nil {
		log = slog.Default()
	}
	paths = paths.withDefaults()

	st, err := store.Open(paths.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vault, err := secrets.OpenVault(st, paths.AgeKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}

	embedder, err := models.NewEmbedder(ctx, cfg.Consensus.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	var index *lessons.VectorIndex
	if embedder != nil {
		index, err = lessons.NewVectorIndex(ctx, cfg.Lessons.Dir, embedder)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open lesson index: %w", err)
		}
	}

	skillReg := skills.NewRegistry(cfg.Skills.Dirs)
	if err := skillReg.Load(); err != nil {
		log.Warn("skill load incomplete", slog.String("error", err.Error()))
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	registry := models.NewRegistry(cfg.Models, vault)
	tracker := budget.NewTracker(st)
	journal := lessons.NewJournal(st, index, cfg.Lessons, log)
	engine := consensus.New(registry, embedder, cfg.Consensus, log)
	mcpMgr := mcp.NewManager(cfg.MCP, vault, log)

	dispatcher := dispatch.New(*cfg, dispatch.Services{
		Vault:    vault,
		Resolver: secrets.NewResolver(vault),
		Skills:   skillReg,
		MCP:      mcpMgr,
	}, log)

	env := agent.Env{
		Store:      st,
		Bus:        bus,
		Registry:   agent.NewRegistry(),
		Decider:    engine,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Lessons:    journal,
		Profiles:   cfg.Profiles,
		Consensus:  cfg.Consensus,
		Log:        log,
	}

	tasks := task.NewManager(env, cfg.Agent, cfg.Models.Default)
	scheduler := schedule.New(st, tasks, bus, log)

	// Lessons are distilled with the first default model; without one
	// there is nothing to call and completed tasks just go unmined.
	var extractor *lessons.Extractor
	if len(cfg.Models.Default) > 0 {
		extractor = lessons.NewExtractor(journal, st, bus, registry, cfg.Models.Default[0], log)
	}

	srv := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Bus:       bus,
		Store:     st,
		Tasks:     tasks,
		Schedules: scheduler,
		Lessons:   journal,
		Log:       log,
	})

	sys := &System{
		Cfg:        cfg,
		Log:        log,
		Store:      st,
		Bus:        bus,
		Vault:      vault,
		Models:     registry,
		Embedder:   embedder,
		Engine:     engine,
		Registry:   env.Registry,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Skills:     skillReg,
		MCP:        mcpMgr,
		Lessons:    journal,
		Extractor:  extractor,
		Env:        env,
		Tasks:      tasks,
		Scheduler:  scheduler,
		Gateway:    srv,
	}

	hb := heartbeat.NewWriter(paths.Heartbeat, sys.counts)
	hb.SetInterval(cfg.Heartbeat.Interval.Duration())
	sys.Heartbeat = hb
	return sys, nil
}

// Start binds the dispatcher, restores tasks left running by the previous
// process, and begins the scheduler and heartbeat. The context is the
// lifetime of every agent; cancel it to stop them all.
func (s *System) Start(ctx context.Context) error {
	s.Dispatcher.Bind(ctx, s.Env)
	s.Dispatcher.BindTasks(s.Tasks)
	if err := s.Tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if s.Extractor != nil {
		s.Extractor.Start()
	}
	s.Heartbeat.Start()
	s.started = true
	s.Log.Info("orchestrator started",
		slog.Int("models", len(s.Cfg.Models.Providers)),
		slog.Int("skills", len(s.Skills.Names())))
	return nil
}

// Shutdown stops background work and closes everything New opened. Agents
// stop through the Start context; Shutdown waits briefly for their final
// state writes before closing the store under them.
func (s *System) Shutdown(ctx context.Context) {
	if s.started {
		s.Heartbeat.Stop()
		if s.Extractor != nil {
			s.Extractor.Stop()
		}
		s.Scheduler.Stop()
		s.Tasks.Close()
		s.Dispatcher.Close()
		s.awaitAgents(ctx)
	}
	if err := s.MCP.Close(); err != nil {
		s.Log.Debug("mcp close", slog.String("error", err.Error()))
	}
	s.Bus.Close()
	if err := s.Store.Close(); err != nil {
		s.Log.Warn("store close", slog.String("error", err.Error()))
	}
	s.Log.Info("orchestrator stopped")
}

// awaitAgents gives terminating agents a moment to finish their shutdown
// persistence. Bounded by the caller's context and a small cap.
func (s *System) awaitAgents(ctx context.Context) {
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for s.Registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			s.Log.Warn("agents still live at shutdown", slog.Int("count", s.Registry.Len()))
			return
		case <-tick.C:
		}
	}
}

// counts feeds the heartbeat with live load numbers.
func (s *System) counts() heartbeat.Counts {
	handles := s.Registry.Len()
	tasks := 0
	if list, err := s.Store.ListTasksByStatus(context.Background(), store.TaskRunning); err == nil {
		tasks = len(list)
	}
	return heartbeat.Counts{ActiveTasks: tasks, ActiveAgents: handles}
}
