package app

import (
	"context"
	"slices"

	"stationdb/internal/config"
	"stationdb/internal/eventbus"
	logx "stationdb/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for more := true; more; {
				select {
				case next, ok := <-sub:
					if !ok {
						return
					}
					cfg = next
				default:
					more = false
				}
			}
			a.applyConfig(ctx, prev, cfg)
			prev = cfg
		}
	}
}

// applyConfig hot-applies every section except storage, which needs a restart.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	changed, fields := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	if slices.Contains(changed, "storage") {
		a.log.Warn("storage settings changed; restart required to apply")
	}

	a.logs.Apply(mapLogging(cfg))

	if cat, err := mapCatalogConfig(cfg); err == nil {
		a.catalog.Apply(cat)
	} else {
		a.log.Warn("catalog config not applied", logx.Err(err))
	}

	a.mgr.SetWorkers(cfg.Orchestrator.Workers)
	a.mgr.SetProbeAttempts(cfg.Probe.Attempts)
	if def, err := mapDefaults(cfg); err == nil {
		a.mgr.SetDefaults(def)
		a.gw.SetDefaults(def)
	} else {
		a.log.Warn("defaults not applied", logx.Err(err))
	}

	if err := a.sched.Set(a.jobs(cfg)); err != nil {
		a.log.Warn("schedules not applied", logx.Err(err))
	}
	a.sched.Apply(mapSchedulerConfig(cfg))

	if httpCfg, err := mapHTTPConfig(cfg); err == nil {
		a.http.Reconfigure(ctx, httpCfg)
	} else {
		a.log.Warn("http config not applied", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.EventConfigReload, Data: changed})
	a.log.Info("config applied", append([]logx.Field{logx.Strings("changed", changed)}, fields...)...)
}
