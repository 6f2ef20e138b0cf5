package app

import (
	"context"
	"strings"

	"notifyrelay/internal/config"
	"notifyrelay/internal/observability/pprof"
	logx "notifyrelay/pkg/logx"
)

// reloadLoop applies hot-reloadable sections of each published config:
// logging, relay rate limits, housekeeping schedules and pprof. Sections
// that need a restart are only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// coalesce bursts: only the latest config matters
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}
		a.apply(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if l := mapLimits(next); l != a.relay.Limits() {
		a.relay.SetLimits(l)
		a.log.Info("rate limits updated", logx.Any("per_sec", l.PerSec), logx.Int("burst", l.Burst))
	}

	a.hk.Apply(mapHousekeeping(next))
	a.pprof.Reconfigure(ctx, pprof.FromConfig(next.Pprof))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
