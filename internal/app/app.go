package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"banguard/internal/api"
	"banguard/internal/config"
	"banguard/internal/engine"
	"banguard/internal/filter"
	"banguard/internal/firewall"
	"banguard/internal/ingest"
	"banguard/internal/model"
	"banguard/internal/stats"
	"banguard/internal/storage"
)

const Version = "1.2.0"

// Core wires the pipeline: ingest sources -> filter -> coordinator ->
// firewall, with the stats collector and the archive subscribed to the
// coordinator's lifecycle stream. It exposes the three operations a thin
// front-end needs: Start, Stop and Snapshot.
type Core struct {
	cfg       *config.Manager
	logger    *slog.Logger
	filters   *filter.Engine
	coord     *engine.Coordinator
	collector *stats.Collector
	store     storage.Store
	fw        *firewall.Executor

	lines        chan model.Line
	sourceCancel context.CancelFunc
	sourceWG     sync.WaitGroup
	consumerWG   sync.WaitGroup
	subscriberWG sync.WaitGroup
	httpSrv      *http.Server

	stopOnce sync.Once
}

func New(cfgMgr *config.Manager, logger *slog.Logger) (*Core, error) {
	cfg := cfgMgr.Get()

	filters, errs := filter.New(cfg, logger)
	for _, err := range errs {
		var perr *filter.PatternError
		if errors.As(err, &perr) {
			continue // already logged as a warning by filter.New
		}
		return nil, err
	}
	if len(filters.Jails()) == 0 {
		return nil, errors.New("app: no usable jails after filter compilation")
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	fw := firewall.NewExecutor(cfg, logger)
	coord := engine.New(cfg, filters.Jails(), fw, logger)

	return &Core{
		cfg:       cfgMgr,
		logger:    logger,
		filters:   filters,
		coord:     coord,
		collector: stats.NewCollector(cfg.Stats.StoreLimit, cfg.Stats.TopN),
		store:     store,
		fw:        fw,
		lines:     make(chan model.Line, cfg.ChannelBuffer),
	}, nil
}

// Firewall exposes the action executor so embedders can register custom
// actions before Start.
func (c *Core) Firewall() *firewall.Executor { return c.fw }

// Start launches sources, pipeline workers and the reporting surface.
func (c *Core) Start(ctx context.Context) error {
	cfg := c.cfg.Get()

	if c.store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.store.Init(initCtx); err != nil {
			return err
		}
	}

	sourceCtx, cancel := context.WithCancel(ctx)
	c.sourceCancel = cancel

	ingest.StartFileTail(sourceCtx, cfg.Ingest.FileTail, cfg.LogPaths(), c.lines, c.logger, &c.sourceWG)
	ingest.StartKafka(sourceCtx, cfg.Ingest.Kafka, c.lines, c.logger, &c.sourceWG)
	ingest.StartSyslog(sourceCtx, cfg.Ingest.Syslog, c.lines, c.logger, &c.sourceWG)

	c.coord.Start(ctx)

	// Single pipeline consumer: preserves per-key arrival order before the
	// coordinator shards fan events out.
	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		for line := range c.lines {
			for _, ev := range c.filters.Match(line) {
				c.coord.Submit(ev)
			}
		}
	}()

	c.subscriberWG.Add(1)
	go func() {
		defer c.subscriberWG.Done()
		for ev := range c.coord.Events() {
			c.collector.Record(ev)
			if c.store != nil {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.store.SaveEvent(saveCtx, ev); err != nil && c.logger != nil {
					c.logger.Warn("archive write failed", "err", err)
				}
				cancel()
			}
		}
	}()

	if cfg.SnapshotInterval() > 0 {
		c.subscriberWG.Add(1)
		go func() {
			defer c.subscriberWG.Done()
			ticker := time.NewTicker(cfg.SnapshotInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					snap := c.collector.Snapshot()
					if c.logger != nil {
						c.logger.Info("stats snapshot",
							"total_bans", snap.TotalBans,
							"total_unbans", snap.TotalUnbans,
							"unique_addresses", snap.UniqueAddresses,
							"active_bans", len(c.coord.ActiveBans()))
					}
					if c.store != nil {
						saveCtx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
						if err := c.store.SaveSnapshot(saveCtx, snap); err != nil && c.logger != nil {
							c.logger.Warn("snapshot write failed", "err", err)
						}
						cancelSave()
					}
				case <-sourceCtx.Done():
					return
				}
			}
		}()
	}

	if c.cfg.Path() != "" {
		go c.cfg.Watch(3*time.Second, func(*config.Config) {
			if c.logger != nil {
				c.logger.Info("config file changed; jail and ingest changes take effect on restart")
			}
		}, func(err error) {
			if c.logger != nil {
				c.logger.Warn("config reload error", "err", err)
			}
		}, sourceCtx.Done())
	}

	c.httpSrv = api.Start(sourceCtx, c.cfg, c.collector, c.coord, c.filters.Jails(), c.logger, Version)
	return nil
}

// Stop shuts the pipeline down gracefully: sources stop first, in-flight
// lines and events drain, and ban records and windows are left as they are.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		if c.sourceCancel != nil {
			c.sourceCancel()
		}
		c.sourceWG.Wait()
		close(c.lines)
		c.consumerWG.Wait()
		c.coord.Stop()
		c.subscriberWG.Wait()
		if c.store != nil {
			_ = c.store.Close()
		}
	})
}

// Snapshot returns the current reporting record.
func (c *Core) Snapshot() model.StatsSnapshot {
	return c.collector.Snapshot()
}

// Events returns the retained lifecycle event log, for final exports.
func (c *Core) Events() []model.BanLifecycleEvent {
	return c.collector.Events()
}

// ActiveBans lists currently banned pairs.
func (c *Core) ActiveBans() []model.BanRecord {
	return c.coord.ActiveBans()
}
