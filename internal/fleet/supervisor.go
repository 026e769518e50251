// Package fleet implements the orchestrator core: the per-instance lifecycle
// state machine, crash-restart policy, and command serialization.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/grugthink/grugfleet/internal/config"
	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/events"
	"github.com/grugthink/grugfleet/internal/registry"
	"github.com/grugthink/grugfleet/internal/store"
	"github.com/grugthink/grugfleet/internal/worker"
)

const logRingSize = 128

// Supervisor owns the fleet registry: one entry per bot instance, each with
// at most one live worker. Commands for the same instance are serialized by a
// per-instance lock that also covers crash callbacks; commands for distinct
// instances run fully in parallel.
type Supervisor struct {
	cfg            config.FleetConfig
	repo           store.Repository
	registry       registry.Resolver
	bus            *events.Bus
	runtimes       map[string]worker.Runtime
	defaultRuntime string

	mu        sync.RWMutex
	instances map[string]*instance
}

// instance is one supervised bot. mu serializes lifecycle commands and
// worker callbacks; gen invalidates callbacks from superseded launches.
type instance struct {
	mu  sync.Mutex
	rec domain.BotInstance

	gen           uint64
	handle        worker.Handle
	launchCancel  context.CancelFunc
	stopRequested bool
	busy          bool // a composite (restart) is in flight

	crashTimes []time.Time
	backoff    *backoff.ExponentialBackOff
	logs       *logRing
}

// New constructs the supervisor and hydrates the registry from persisted
// records. Every instance reloads as stopped: nothing resumes running
// without a fresh launch.
func New(ctx context.Context, cfg config.FleetConfig, repo store.Repository, reg registry.Resolver, bus *events.Bus, runtimes map[string]worker.Runtime, defaultRuntime string) (*Supervisor, error) {
	if _, ok := runtimes[defaultRuntime]; !ok {
		return nil, fmt.Errorf("default worker runtime %q is not registered", defaultRuntime)
	}

	s := &Supervisor{
		cfg:            cfg,
		repo:           repo,
		registry:       reg,
		bus:            bus,
		runtimes:       runtimes,
		defaultRuntime: defaultRuntime,
		instances:      make(map[string]*instance),
	}

	records, err := repo.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate fleet registry: %w", err)
	}
	for _, rec := range records {
		s.instances[rec.ID] = s.newInstance(*rec)
	}
	slog.Info("Fleet registry hydrated", "instances", len(records))
	return s, nil
}

func (s *Supervisor) newInstance(rec domain.BotInstance) *instance {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartBackoffBase
	b.MaxInterval = s.cfg.RestartBackoffCap
	b.Multiplier = 2

	rec.Status = domain.StatusStopped
	return &instance{
		rec:     rec,
		backoff: b,
		logs:    newLogRing(logRingSize),
	}
}

// Create validates the spec, persists the instance, and registers it stopped.
func (s *Supervisor) Create(ctx context.Context, spec domain.InstanceSpec) (*domain.BotInstance, error) {
	if spec.Name == "" {
		return nil, validationErr("name", "must not be empty")
	}
	if _, err := s.registry.ResolveCredential(ctx, spec.CredentialRef); err != nil {
		if errors.Is(err, registry.ErrUnknownRef) {
			return nil, validationErr("credential_ref", err.Error())
		}
		return nil, err
	}
	if _, err := s.registry.ResolveTemplate(ctx, spec.PersonalityRef); err != nil {
		if errors.Is(err, registry.ErrUnknownRef) {
			return nil, validationErr("personality_ref", err.Error())
		}
		return nil, err
	}

	now := time.Now().UTC()
	rec := domain.BotInstance{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		CredentialRef:  spec.CredentialRef,
		PersonalityRef: spec.PersonalityRef,
		RuntimeConfig:  maps.Clone(spec.RuntimeConfig),
		Status:         domain.StatusStopped,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateInstance(ctx, &rec); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}

	inst := s.newInstance(rec)
	s.mu.Lock()
	s.instances[rec.ID] = inst
	s.mu.Unlock()

	s.bus.Publish(domain.FleetEvent{
		Type:       domain.EventInstanceCreated,
		InstanceID: rec.ID,
		Timestamp:  now,
	})
	slog.Info("Instance created", "bot_id", rec.ID, "name", rec.Name)

	out := inst.snapshot()
	return &out, nil
}

// Get returns a point-in-time snapshot of one instance.
func (s *Supervisor) Get(id string) (*domain.BotInstance, error) {
	inst, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := inst.snapshot()
	return &out, nil
}

// List returns snapshots of all instances ordered by creation time.
func (s *Supervisor) List() []domain.BotInstance {
	s.mu.RLock()
	all := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	s.mu.RUnlock()

	out := make([]domain.BotInstance, 0, len(all))
	for _, inst := range all {
		inst.mu.Lock()
		out = append(out, inst.snapshot())
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Logs returns the instance's retained logLine events, oldest first.
func (s *Supervisor) Logs(id string) ([]domain.FleetEvent, error) {
	inst, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return inst.logs.Snapshot(), nil
}

// Start accepts a launch request. Validation is synchronous; completion is
// observed via statusChanged events.
func (s *Supervisor) Start(_ context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.busy || !inst.rec.Status.Startable() {
		return ErrInvalidState
	}

	// Manual start clears crash history; backoff applies only within one
	// unattended crash streak.
	inst.crashTimes = nil
	inst.backoff.Reset()

	s.beginLaunchLocked(inst, 0)
	return nil
}

// beginLaunchLocked transitions to starting and kicks off an asynchronous
// launch after delay. Callers hold inst.mu.
func (s *Supervisor) beginLaunchLocked(inst *instance, delay time.Duration) {
	inst.gen++
	gen := inst.gen

	launchCtx, cancel := context.WithCancel(context.Background())
	inst.launchCancel = cancel
	inst.stopRequested = false

	s.transitionLocked(inst, domain.StatusStarting)
	go s.launch(launchCtx, cancel, inst, gen, delay)
}

// launch resolves configuration and starts a worker. It owns the starting →
// running|error|stopped edge for its generation.
func (s *Supervisor) launch(ctx context.Context, cancel context.CancelFunc, inst *instance, gen uint64, delay time.Duration) {
	defer cancel()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	inst.mu.Lock()
	rec := inst.snapshot()
	inst.mu.Unlock()

	h, err := s.resolveAndLaunch(ctx, rec)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if gen != inst.gen {
		// Superseded by a later command; any worker we created is ours to
		// clean up.
		if h != nil {
			s.stopDetached(h)
		}
		return
	}
	inst.launchCancel = nil

	if inst.stopRequested {
		if h != nil {
			s.stopDetached(h)
		}
		inst.stopRequested = false
		s.transitionLocked(inst, domain.StatusStopped)
		return
	}

	if err != nil {
		s.logLocked(inst, domain.LogError, fmt.Sprintf("launch failed: %v", err))
		s.transitionLocked(inst, domain.StatusError)
		return
	}

	inst.handle = h
	go s.monitor(inst, gen, h)
}

// resolveAndLaunch materializes runtime config from the registry and asks the
// selected runtime for a worker.
func (s *Supervisor) resolveAndLaunch(ctx context.Context, rec domain.BotInstance) (worker.Handle, error) {
	cred, err := s.registry.ResolveCredential(ctx, rec.CredentialRef)
	if err != nil {
		return nil, err
	}
	tpl, err := s.registry.ResolveTemplate(ctx, rec.PersonalityRef)
	if err != nil {
		return nil, err
	}

	// Template defaults sit under the instance's own settings.
	merged := make(map[string]string, len(tpl.DefaultConfig)+len(rec.RuntimeConfig))
	maps.Copy(merged, tpl.DefaultConfig)
	maps.Copy(merged, rec.RuntimeConfig)

	rtName := merged["runtime"]
	if rtName == "" {
		rtName = s.defaultRuntime
	}
	rt, ok := s.runtimes[rtName]
	if !ok {
		return nil, fmt.Errorf("worker runtime %q is not registered", rtName)
	}

	return rt.Launch(ctx, worker.LaunchConfig{
		BotID:             rec.ID,
		Name:              rec.Name,
		Token:             cred.Token,
		Personality:       tpl,
		Runtime:           merged,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
	})
}

// monitor is the single supervising task for one launched worker: it drains
// the worker's feed, tracks liveness, and reports termination. All state it
// touches goes through inst.mu, and its generation check makes it a no-op
// once the launch is superseded.
func (s *Supervisor) monitor(inst *instance, gen uint64, h worker.Handle) {
	liveness := s.cfg.LivenessTimeout()
	timer := time.NewTimer(liveness)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				s.onExit(inst, gen, worker.Event{
					Kind:    worker.KindExit,
					Cause:   worker.ExitKilled,
					Message: "worker feed closed without exit notice",
				})
				return
			}
			switch ev.Kind {
			case worker.KindHeartbeat:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(liveness)
				s.onHeartbeat(inst, gen, ev.Timestamp)
			case worker.KindLog:
				s.onWorkerLog(inst, gen, ev)
			case worker.KindExit:
				s.onExit(inst, gen, ev)
				return
			}
		case <-timer.C:
			// Heartbeat gap exceeded the liveness timeout: presumed dead
			// even without a termination notice.
			go s.drain(h)
			s.stopDetached(h)
			s.onCrash(inst, gen, fmt.Sprintf("no heartbeat within %s", liveness))
			return
		}
	}
}

func (s *Supervisor) onHeartbeat(inst *instance, gen uint64, at time.Time) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if gen != inst.gen {
		return
	}
	ts := at
	inst.rec.LastHeartbeatAt = &ts
	if inst.rec.Status == domain.StatusStarting {
		s.transitionLocked(inst, domain.StatusRunning)
	}
}

func (s *Supervisor) onWorkerLog(inst *instance, gen uint64, ev worker.Event) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if gen != inst.gen {
		return
	}
	s.logLocked(inst, ev.Level, ev.Message)
}

func (s *Supervisor) onExit(inst *instance, gen uint64, ev worker.Event) {
	reason := ev.Message
	if reason == "" {
		reason = string(ev.Cause)
	}
	s.onCrash(inst, gen, reason)
}

// onCrash applies the restart policy to an unexpected termination. Stops we
// initiated never reach here: issuing one bumps the generation first.
func (s *Supervisor) onCrash(inst *instance, gen uint64, reason string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if gen != inst.gen {
		return
	}
	inst.handle = nil

	now := time.Now()
	kept := inst.crashTimes[:0]
	for _, t := range inst.crashTimes {
		if now.Sub(t) <= s.cfg.CrashWindow {
			kept = append(kept, t)
		}
	}
	inst.crashTimes = append(kept, now)

	s.logLocked(inst, domain.LogWarn, fmt.Sprintf("worker terminated unexpectedly: %s", reason))

	if len(inst.crashTimes) > s.cfg.CrashThreshold {
		s.logLocked(inst, domain.LogError, fmt.Sprintf(
			"crash threshold exceeded (%d crashes within %s); operator intervention required",
			len(inst.crashTimes), s.cfg.CrashWindow))
		s.transitionLocked(inst, domain.StatusError)
		return
	}

	delay := inst.backoff.NextBackOff()
	s.logLocked(inst, domain.LogInfo, fmt.Sprintf(
		"restarting worker in %s (crash %d of %d in window)",
		delay.Round(time.Millisecond), len(inst.crashTimes), s.cfg.CrashThreshold))
	s.beginLaunchLocked(inst, delay)
}

// Stop accepts a termination request. No-op when already stopped; rejected
// while stopping, in error, or mid-restart.
func (s *Supervisor) Stop(_ context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.busy {
		return ErrInvalidState
	}

	switch inst.rec.Status {
	case domain.StatusStopped:
		return nil
	case domain.StatusStopping, domain.StatusError:
		return ErrInvalidState
	case domain.StatusStarting, domain.StatusRunning:
	}

	s.transitionLocked(inst, domain.StatusStopping)

	if inst.handle == nil {
		// Launch (or backoff delay) in flight: cancel it and let the
		// launch goroutine finalize the stop.
		inst.stopRequested = true
		if inst.launchCancel != nil {
			inst.launchCancel()
		}
		return nil
	}

	h := inst.handle
	inst.handle = nil
	inst.gen++
	go s.finishStop(inst, h)
	return nil
}

// finishStop gracefully terminates a worker we own and resolves the instance
// to stopped. A grace-period overrun forces termination; stop always
// resolves.
func (s *Supervisor) finishStop(inst *instance, h worker.Handle) {
	go s.drain(h)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+10*time.Second)
	defer cancel()
	if err := h.Stop(ctx, s.cfg.StopGracePeriod); err != nil {
		slog.Warn("Worker stop was forced", "bot_id", inst.id(), "error", err)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	s.transitionLocked(inst, domain.StatusStopped)
}

// Restart composes stop then start atomically: commands for this id are
// rejected until the composite has re-entered starting.
func (s *Supervisor) Restart(_ context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.busy {
		return ErrInvalidState
	}

	switch inst.rec.Status {
	case domain.StatusStarting, domain.StatusStopping:
		return ErrInvalidState
	case domain.StatusStopped, domain.StatusError:
		// Nothing to stop; the composite reduces to a start.
		inst.crashTimes = nil
		inst.backoff.Reset()
		s.beginLaunchLocked(inst, 0)
		return nil
	case domain.StatusRunning:
	}

	if inst.handle == nil {
		return ErrInvalidState
	}
	inst.busy = true
	h := inst.handle
	inst.handle = nil
	inst.gen++
	s.transitionLocked(inst, domain.StatusStopping)

	go func() {
		go s.drain(h)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+10*time.Second)
		defer cancel()
		if err := h.Stop(ctx, s.cfg.StopGracePeriod); err != nil {
			slog.Warn("Worker stop was forced during restart", "bot_id", id, "error", err)
		}

		inst.mu.Lock()
		defer inst.mu.Unlock()
		s.transitionLocked(inst, domain.StatusStopped)
		inst.crashTimes = nil
		inst.backoff.Reset()
		s.beginLaunchLocked(inst, 0)
		inst.busy = false
	}()
	return nil
}

// Update applies a field-level patch to a stopped instance.
func (s *Supervisor) Update(ctx context.Context, id string, patch domain.InstancePatch) (*domain.BotInstance, error) {
	inst, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.busy || inst.rec.Status != domain.StatusStopped {
		return nil, ErrInvalidState
	}

	updated := inst.snapshot()
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, validationErr("name", "must not be empty")
		}
		updated.Name = *patch.Name
	}
	if patch.PersonalityRef != nil {
		if _, err := s.registry.ResolveTemplate(ctx, *patch.PersonalityRef); err != nil {
			if errors.Is(err, registry.ErrUnknownRef) {
				return nil, validationErr("personality_ref", err.Error())
			}
			return nil, err
		}
		updated.PersonalityRef = *patch.PersonalityRef
	}
	if patch.RuntimeConfig != nil {
		updated.RuntimeConfig = maps.Clone(*patch.RuntimeConfig)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateInstance(ctx, &updated); err != nil {
		return nil, fmt.Errorf("persist instance update: %w", err)
	}

	inst.rec.Name = updated.Name
	inst.rec.PersonalityRef = updated.PersonalityRef
	inst.rec.RuntimeConfig = updated.RuntimeConfig
	inst.rec.UpdatedAt = updated.UpdatedAt

	out := inst.snapshot()
	return &out, nil
}

// Delete forces a stop, removes the instance, and destroys its memory store.
// Returns once the record and memories are gone.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	inst.mu.Lock()
	if inst.busy {
		inst.mu.Unlock()
		return ErrInvalidState
	}
	inst.busy = true

	var h worker.Handle
	if inst.rec.Status.HasWorker() {
		h = inst.handle
		inst.handle = nil
		inst.gen++ // orphans any in-flight launch; its stale path cleans up
		if inst.launchCancel != nil {
			inst.launchCancel()
		}
		s.transitionLocked(inst, domain.StatusStopping)
	}
	inst.mu.Unlock()

	if h != nil {
		go s.drain(h)
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+10*time.Second)
		if err := h.Stop(stopCtx, s.cfg.StopGracePeriod); err != nil {
			slog.Warn("Worker stop was forced during delete", "bot_id", id, "error", err)
		}
		cancel()
	}

	inst.mu.Lock()
	if inst.rec.Status != domain.StatusStopped && inst.rec.Status != domain.StatusError {
		s.transitionLocked(inst, domain.StatusStopped)
	}
	inst.mu.Unlock()

	if err := s.repo.DeleteInstance(ctx, id); err != nil {
		inst.mu.Lock()
		inst.busy = false
		inst.mu.Unlock()
		return fmt.Errorf("delete instance: %w", err)
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()

	s.bus.Publish(domain.FleetEvent{
		Type:       domain.EventInstanceDeleted,
		InstanceID: id,
		Timestamp:  time.Now().UTC(),
	})
	slog.Info("Instance deleted", "bot_id", id)
	return nil
}

// Shutdown gracefully stops every live worker. Bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	all := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range all {
		inst.mu.Lock()
		var h worker.Handle
		if inst.rec.Status.HasWorker() {
			h = inst.handle
			inst.handle = nil
			inst.gen++
			if inst.launchCancel != nil {
				inst.launchCancel()
			}
			s.transitionLocked(inst, domain.StatusStopping)
		}
		inst.mu.Unlock()

		if h == nil {
			continue
		}
		wg.Add(1)
		go func(inst *instance, h worker.Handle) {
			defer wg.Done()
			go s.drain(h)
			if err := h.Stop(ctx, s.cfg.StopGracePeriod); err != nil {
				slog.Warn("Worker stop was forced during shutdown", "bot_id", inst.id(), "error", err)
			}
			inst.mu.Lock()
			s.transitionLocked(inst, domain.StatusStopped)
			inst.mu.Unlock()
		}(inst, h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionLocked moves the instance to a new status and publishes the
// transition. Callers hold inst.mu. Same-state transitions are silent.
func (s *Supervisor) transitionLocked(inst *instance, to domain.Status) {
	from := inst.rec.Status
	if from == to {
		return
	}
	inst.rec.Status = to
	s.bus.Publish(domain.StatusChanged(inst.rec.ID, from, to))
	slog.Info("Instance status changed", "bot_id", inst.rec.ID, "from", from, "to", to)
}

// logLocked records a log line in the instance's ring and on the bus.
// Callers hold inst.mu.
func (s *Supervisor) logLocked(inst *instance, level domain.LogLevel, message string) {
	ev := domain.LogLine(inst.rec.ID, level, message)
	inst.logs.Append(ev)
	s.bus.Publish(ev)
}

// stopDetached force-stops an orphaned worker in the background.
func (s *Supervisor) stopDetached(h worker.Handle) {
	go func() {
		go s.drain(h)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+10*time.Second)
		defer cancel()
		if err := h.Stop(ctx, s.cfg.StopGracePeriod); err != nil {
			slog.Warn("Orphaned worker stop was forced", "error", err)
		}
	}()
}

// drain consumes a worker feed until it closes so the worker never blocks
// publishing its terminal event.
func (s *Supervisor) drain(h worker.Handle) {
	for range h.Events() {
	}
}

func (s *Supervisor) lookup(id string) (*instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// snapshot copies the record, including the mutable map and timestamp
// pointer. Callers hold i.mu.
func (i *instance) snapshot() domain.BotInstance {
	rec := i.rec
	rec.RuntimeConfig = maps.Clone(i.rec.RuntimeConfig)
	if i.rec.LastHeartbeatAt != nil {
		ts := *i.rec.LastHeartbeatAt
		rec.LastHeartbeatAt = &ts
	}
	return rec
}

func (i *instance) id() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rec.ID
}
