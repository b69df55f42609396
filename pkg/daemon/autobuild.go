package daemon

import (
	"context"
	"sort"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/orchestrator"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// startAutoBuild turns change batches into builds. Batches below local
// impact are ignored; everything else accumulates affected packages and
// resets a delay timer, so a burst of batches yields one build.
func (d *Daemon) startAutoBuild() {
	ch, unsub := d.bus.Subscribe(events.TypeChangesBatched)
	d.unsubs = append(d.unsubs, unsub)

	d.wg.Add(1)
	go d.autoBuildLoop(ch)
}

func (d *Daemon) autoBuildLoop(ch <-chan events.Event) {
	defer d.wg.Done()

	pending := make(map[string]bool)
	var timer clock.Timer
	var timerC <-chan struct{}
	fired := make(chan struct{}, 1)

	arm := func() {
		if timer == nil {
			timer = d.clk.NewTimer(d.cfg.AutoBuild.Delay())
			t := timer
			go func() {
				select {
				case <-t.C():
					select {
					case fired <- struct{}{}:
					default:
					}
				case <-d.stopCh:
				}
			}()
			timerC = fired
		} else {
			timer.Reset(d.cfg.AutoBuild.Delay())
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			batch, ok := ev.Data["batch"].(types.ChangeBatch)
			if !ok {
				continue
			}
			if types.ImpactRank(batch.Impact) < types.ImpactRank(types.ImpactLocal) {
				continue
			}
			for _, pkg := range batch.Packages {
				pending[pkg] = true
			}
			arm()
		case <-timerC:
			targets := drainTargets(pending, d.cfg.AutoBuild.DefaultTarget)
			pending = make(map[string]bool)
			timer = nil
			timerC = nil
			d.launchAutoBuild(targets)
		case <-d.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// drainTargets turns the accumulated package set into an ordered target
// list, falling back to the configured default when no package mapped.
func drainTargets(pending map[string]bool, defaultTarget string) []string {
	if len(pending) == 0 {
		if defaultTarget == "" {
			return nil
		}
		return []string{defaultTarget}
	}
	targets := make([]string, 0, len(pending))
	for pkg := range pending {
		targets = append(targets, pkg)
	}
	sort.Strings(targets)
	return orchestrator.SortTargetsByPriority(targets)
}

func (d *Daemon) launchAutoBuild(targets []string) {
	if len(targets) == 0 {
		return
	}
	d.logger.Info().Strs("targets", targets).Msg("auto-build triggered")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-d.stopCh
			cancel()
		}()

		request := &types.BuildRequest{
			Actor:   types.SystemActor(),
			Targets: targets,
			Options: types.BuildOptions{Incremental: true},
		}
		if _, err := d.RequestBuild(ctx, request); err != nil {
			d.logger.Error().Err(err).Strs("targets", targets).Msg("auto-build failed to run")
		}
	}()
}
