// Package ingest implements C1, the Stream Ingest Supervisor: one worker
// per stream driving the INIT -> CONNECTING -> RUNNING -> RECONNECTING ->
// STOPPING -> STOPPED FSM of spec.md §4.1, a liveness watchdog, and
// exponential-backoff reconnection. The top-level Supervisor itself is a
// github.com/thejerf/suture/v4 service so a process can put it under a
// supervision tree the way tomtom215-lyrebirdaudio-go puts its stream
// manager under one, while the per-stream workers below are managed by our
// own table+mutex, matching spec.md §5's "single mutex protecting the map"
// requirement more precisely than handing each one to suture individually.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/metrics"
	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/shutdown"
	"github.com/lightnvr/core/internal/streamtypes"
)

// SourceFactory builds a fresh Source for a stream name. Overridable in
// tests to avoid dialing real RTSP.
type SourceFactory func(streamName string) Source

// SinkFactory builds the three fan-out sinks for a stream when it reaches
// RUNNING. Supplied by the process wiring the supervisor to the HLS
// segmenter, recording engine and detection orchestrator.
type SinkFactory interface {
	HLSSink(cfg config.StreamConfig) streamtypes.PacketSink
	RecordSink(cfg config.StreamConfig) streamtypes.PacketSink
	DetectSink(cfg config.StreamConfig) streamtypes.FrameSink
}

type worker struct {
	cfg     config.StreamConfig
	runtime *streamtypes.Runtime
	backoff *backoff

	cancel  context.CancelFunc
	stopped chan struct{}

	stopRequested bool
	restarts      int
	lastRestartAt time.Time
}

// Supervisor owns the table of per-stream workers. Exactly one instance per
// process per spec.md §3's invariant ("exactly one Supervisor instance per
// name" is enforced per-name inside this single Supervisor).
type Supervisor struct {
	defaults config.Defaults
	log      zerolog.Logger
	metrics  *metrics.Set
	coord    *shutdown.Coordinator
	sinks    SinkFactory
	newSource SourceFactory

	maxStreams int

	mu      sync.Mutex
	workers map[string]*worker

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// New builds a Supervisor. maxStreams <= 0 means unbounded.
func New(defaults config.Defaults, log zerolog.Logger, m *metrics.Set, coord *shutdown.Coordinator, sinks SinkFactory, maxStreams int) *Supervisor {
	return &Supervisor{
		defaults:   defaults,
		log:        log,
		metrics:    m,
		coord:      coord,
		sinks:      sinks,
		newSource:  func(name string) Source { return newVDKSource(name) },
		maxStreams: maxStreams,
		workers:    make(map[string]*worker),
	}
}

// SetSourceFactory overrides how Sources are constructed — used by tests to
// inject a fake RTSP source.
func (s *Supervisor) SetSourceFactory(f SourceFactory) { s.newSource = f }

var _ suture.Service = (*Supervisor)(nil)

// Name implements suture.Service.
func (s *Supervisor) Name() string { return "ingest-supervisor" }

// Serve implements suture.Service: it runs the liveness watchdog until ctx
// is cancelled, then initiates an orderly shutdown of every worker.
func (s *Supervisor) Serve(ctx context.Context) error {
	s.coord.Register(s.Name())
	s.coord.SetState(s.Name(), shutdown.StateRunning)

	ticker := time.NewTicker(s.defaults.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.coord.SetState(s.Name(), shutdown.StateStopping)
			s.stopAll()
			s.coord.SetState(s.Name(), shutdown.StateStopped)
			return nil
		case <-ticker.C:
			s.runWatchdogPass()
		}
	}
}

// Start begins ingesting stream cfg. Idempotent: if a worker for cfg.Name
// already exists and is not being stopped, returns nil. A worker that is
// being stopped, or a coordinator that is shutting down, yields Conflict.
func (s *Supervisor) Start(cfg config.StreamConfig) error {
	if s.coord.ShuttingDown() {
		return nvrerr.Conflict("ingest.start", cfg.Name, nvrerr.AlreadyStopped)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, exists := s.workers[cfg.Name]; exists {
		if w.stopRequested {
			return nvrerr.Conflict("ingest.start", cfg.Name, nvrerr.AlreadyStopped)
		}
		return nil
	}

	if s.maxStreams > 0 && len(s.workers) >= s.maxStreams {
		return nvrerr.Conflict("ingest.start", cfg.Name, nvrerr.NoCapacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		cfg:     cfg,
		runtime: streamtypes.NewRuntime(cfg.Name),
		backoff: newBackoff(s.defaults.BackoffBase, s.defaults.BackoffMax, s.defaults.MaxReconnectAttempt),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	s.workers[cfg.Name] = w

	go s.runWorker(ctx, w)

	return nil
}

// Stop requests termination of the named stream's worker and blocks until
// it releases its sinks or stop_grace elapses.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	w, exists := s.workers[name]
	if !exists {
		s.mu.Unlock()
		return nil // second stop() is a no-op, per spec.md §8
	}
	if w.stopRequested {
		s.mu.Unlock()
		return nil
	}
	w.stopRequested = true
	w.cancel()
	s.mu.Unlock()

	select {
	case <-w.stopped:
		s.mu.Lock()
		delete(s.workers, name)
		s.mu.Unlock()
		return nil
	case <-time.After(s.defaults.StopGrace):
		s.log.Warn().Str("stream", name).Msg("stop grace exceeded, worker still tearing down")
		return nvrerr.Transient("ingest.stop", name, nvrerr.PacketTimeout, fmt.Errorf("stop timeout"))
	}
}

// Restart is stop() followed by start(). The new worker has a fresh runtime
// and backoff and asks the SinkFactory for its sinks again once connected;
// it does not itself reset any sink. With a factory that caches sinks per
// stream name (as cmd/lightnvrd's registry does), the same HLS segmenter
// and recording engine are reused, so no fresh HLS session is started.
func (s *Supervisor) Restart(cfg config.StreamConfig) error {
	_ = s.Stop(cfg.Name)
	return s.Start(cfg)
}

// IsActive reports whether a supervisor for name exists and is live.
func (s *Supervisor) IsActive(name string) bool {
	s.mu.Lock()
	w, exists := s.workers[name]
	s.mu.Unlock()
	if !exists {
		return false
	}
	return w.runtime.ConnectionValid()
}

// StreamStatus is the supplemented read-only status snapshot (SPEC_FULL.md
// §12), modeled on tomtom215-lyrebirdaudio-go's supervisor.Status().
type StreamStatus struct {
	Name             string
	State            streamtypes.State
	ReconnectAttempt int
	LastPacketAge    time.Duration
	Restarts         int
}

// Status returns a point-in-time snapshot of every active stream.
func (s *Supervisor) Status() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]StreamStatus, 0, len(s.workers))
	for name, w := range s.workers {
		out = append(out, StreamStatus{
			Name:             name,
			State:            w.runtime.GetState(),
			ReconnectAttempt: w.runtime.Attempt(),
			LastPacketAge:    now.Sub(w.runtime.LastPacketAt()),
			Restarts:         w.restarts,
		})
	}
	return out
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = s.Stop(n)
		}(name)
	}
	wg.Wait()
}

// runWatchdogPass implements spec.md §4.1's liveness watchdog: a worker is
// unresponsive if RUNNING but silent for more than 3x packet_timeout;
// restart it subject to a per-stream cooldown and a restart cap.
func (s *Supervisor) runWatchdogPass() {
	s.mu.Lock()
	type candidate struct {
		name string
		w    *worker
	}
	var restart []candidate
	var forceStop []string
	now := time.Now()
	for name, w := range s.workers {
		if w.stopRequested {
			continue
		}
		if w.runtime.GetState() != streamtypes.StateRunning {
			continue
		}
		if now.Sub(w.runtime.LastPacketAt()) <= 3*s.defaults.PacketTimeout {
			continue
		}
		if now.Sub(w.lastRestartAt) < s.defaults.RestartCooldown {
			continue
		}
		if w.restarts >= s.defaults.MaxRestarts {
			s.log.Error().Str("stream", name).Msg("max watchdog restarts exceeded, forcing stream to STOPPED")
			forceStop = append(forceStop, name)
			continue
		}
		restart = append(restart, candidate{name, w})
	}
	s.mu.Unlock()

	// Forced stops run with the table lock released, same as the restarts
	// below, since Stop re-acquires s.mu itself.
	for _, name := range forceStop {
		_ = s.Stop(name)
	}

	for _, c := range restart {
		s.log.Warn().Str("stream", c.name).Msg("watchdog restarting unresponsive stream")
		if s.metrics != nil {
			s.metrics.WatchdogRestarts.WithLabelValues(c.name).Inc()
		}
		restarts := c.w.restarts + 1
		cfg := c.w.cfg
		_ = s.Restart(cfg)
		// Restart replaces the worker, so the watchdog bookkeeping moves to
		// whichever worker now holds the name; the cooldown and the restart
		// cap then count across restarts.
		s.mu.Lock()
		if nw, ok := s.workers[c.name]; ok {
			nw.restarts = restarts
			nw.lastRestartAt = time.Now()
		}
		s.mu.Unlock()
	}
}
