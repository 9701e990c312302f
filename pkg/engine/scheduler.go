package engine

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

// Run drives the fixed-rate tick loop until the context is canceled. It must
// be called exactly once, from a single goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting tick loop",
		zap.Duration("period", e.period),
		zap.Int("fixtures", len(e.fixtures)),
		zap.Int("programs", len(e.programs)))

	timer := time.NewTimer(0)
	defer timer.Stop()
	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("tick loop stopping")
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		e.tick(ctx, start)
		e.metrics.RecordTick(time.Since(start))

		next = next.Add(e.period)
		now := time.Now()
		if !next.After(now) {
			// Overrun: proceed immediately, but never accumulate more
			// than one tick of debt.
			e.metrics.RecordOverrun()
			if now.Sub(next) > e.period {
				next = now
			}
			timer.Reset(0)
			continue
		}
		timer.Reset(next.Sub(now))
	}
}

// tick runs one full scheduler iteration.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	timeOfDay := secondsSinceMidnight(now)

	// Control-plane mutations and last tick's harvested side effects apply
	// first, so this tick observes them.
	e.drainControl()
	e.applyEnableDeltas()
	e.applyParamWrites()

	e.drainEvents()

	e.reconcileGlobals()

	notifications := e.drainNotifications()

	candidates := e.candidates()
	arb := arbitrate(candidates)

	executed := make(map[program.Contributor]bool, len(arb.selected))
	evalSet := make([]program.Contributor, 0, len(arb.selected))
	for _, c := range arb.selected {
		if c.Due() {
			evalSet = append(evalSet, c)
			executed[c] = true
		}
	}
	// Programs with pending handler work run even when arbitration did not
	// pick them: their events and parameter notifications must fire, and
	// their globals and enable requests still matter. Their outputs only
	// land where they win.
	for _, c := range candidates {
		if executed[c] {
			continue
		}
		p, ok := c.(*program.Program)
		if !ok {
			continue
		}
		if p.QueueDepth() > 0 || len(notifications[p.Name()]) > 0 {
			evalSet = append(evalSet, c)
			executed[c] = true
		}
	}
	for _, c := range candidates {
		if !executed[c] {
			c.NoteSkipped()
		}
	}

	harvests := e.evaluate(evalSet, now, timeOfDay, notifications)

	vector := merge(arb, harvests)
	if len(vector) > 0 {
		if err := e.sink.Emit(ctx, vector); err != nil {
			e.metrics.RecordSinkError()
			e.logger.Warn("unable to emit output vector", zap.Error(err))
		}
	}

	// Stash side effects for the next tick boundary.
	for c, h := range harvests {
		if len(h.GlobalDelta) > 0 {
			e.pendingDeltas[c.Name()] = h.GlobalDelta
		}
		e.pendingEnables = append(e.pendingEnables, h.EnableDeltas...)
		e.pendingWrites = append(e.pendingWrites, h.ParamWrites...)
	}
}

// drainEvents consumes all buffered input events, applies updates to the
// address space, and routes events to subscribed active programs.
func (e *Engine) drainEvents() {
	active := e.activePrograms()
	n := 0
	for {
		select {
		case ev := <-e.events:
			n++
			if ev.Event.Kind == alloy.EventKindUpdate {
				if err := e.space.ApplyUpdate(ev.Address, clampToValue(ev.Event.Value)); err != nil {
					e.logger.Warn("update for unknown address",
						zap.Uint16("address", ev.Address), zap.Error(err))
					continue
				}
			}
			for _, p := range active {
				p.Enqueue(ev)
			}
		default:
			if n > 0 {
				e.metrics.RecordEvents(n)
			}
			for _, p := range active {
				e.metrics.RecordQueueDepth(p.Name(), p.QueueDepth())
			}
			return
		}
	}
}

// reconcileGlobals merges the deltas harvested last tick into the
// authoritative map and redistributes the new view. Deltas merge in program
// name order, so the winner for conflicting keys is deterministic
// (last-reconciled wins).
func (e *Engine) reconcileGlobals() {
	if len(e.pendingDeltas) > 0 {
		names := make([]string, 0, len(e.pendingDeltas))
		for name := range e.pendingDeltas {
			names = append(names, name)
		}
		sort.Strings(names)
		deltas := make([]globals.Delta, len(names))
		for i, name := range names {
			deltas[i] = e.pendingDeltas[name]
		}
		e.globals.Reconcile(deltas)
		e.pendingDeltas = make(map[string]globals.Delta)
	}

	view := e.globals.Snapshot()
	for _, p := range e.programs {
		p.SetGlobalsView(view)
	}
}

// drainNotifications collects parameter-change notifications per program and
// wakes the owners. Notifications for disabled programs are dropped.
func (e *Engine) drainNotifications() map[string][]params.Notification {
	out := make(map[string][]params.Notification)
	for name, p := range e.programs {
		ns := e.registry.DrainNotifications(name)
		if len(ns) == 0 {
			continue
		}
		if !p.Enabled() {
			continue
		}
		out[name] = ns
		p.Wake()
	}
	return out
}

// evaluate runs the execution set on a worker pool and collects harvests.
// Contributors whose evaluation failed produce no harvest: their declared
// addresses stay reserved this tick and their failure policy advances.
func (e *Engine) evaluate(set []program.Contributor, now time.Time, timeOfDay float64, notifications map[string][]params.Notification) map[program.Contributor]*program.Harvest {
	harvests := make(map[program.Contributor]*program.Harvest, len(set))
	if len(set) == 0 {
		return harvests
	}

	workers := e.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(set) {
		workers = len(set)
	}

	type result struct {
		c   program.Contributor
		h   *program.Harvest
		err error
	}

	jobs := make(chan program.Contributor)
	results := make(chan result, len(set))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				tc := program.TickContext{
					Now:           now,
					TimeOfDay:     timeOfDay,
					Notifications: notifications[c.Name()],
				}
				h, err := c.Evaluate(tc)
				results <- result{c: c, h: h, err: err}
			}
		}()
	}
	for _, c := range set {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			e.handleFailure(r.c, r.err)
			continue
		}
		if p, ok := r.c.(*program.Program); ok {
			p.NoteSuccess()
		}
		e.metrics.RecordEvaluation(r.c.Name(), r.h.Duration, r.h.Duration > e.budget)
		harvests[r.c] = r.h
	}
	return harvests
}

func (e *Engine) handleFailure(c program.Contributor, err error) {
	p, ok := c.(*program.Program)
	if !ok {
		e.logger.Error("builtin program failed", zap.String("program", c.Name()), zap.Error(err))
		return
	}
	disable := p.NoteFailure()
	e.metrics.RecordProgramFailure(p.Name(), p.ConsecutiveFailures())
	e.logger.Warn("program tick failed",
		zap.String("program", p.Name()),
		zap.Int("consecutive_failures", p.ConsecutiveFailures()),
		zap.Error(err))
	if disable {
		p.SetEnabled(false)
		e.logger.Error("program auto-disabled after repeated failures",
			zap.String("program", p.Name()))
	}
}

func secondsSinceMidnight(t time.Time) float64 {
	h, m, s := t.Clock()
	return float64(h*3600+m*60+s) + float64(t.Nanosecond())/1e9
}

func clampToValue(v float64) alloy.Value {
	if v <= float64(alloy.Low) {
		return alloy.Low
	}
	if v >= float64(alloy.High) {
		return alloy.High
	}
	return alloy.Value(v)
}
