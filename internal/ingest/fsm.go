package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/streamtypes"
)

// runWorker drives one stream's INIT -> CONNECTING -> RUNNING ->
// RECONNECTING -> STOPPING -> STOPPED FSM (spec.md §4.1's transition
// table), fanning out demuxed packets to the HLS and recording sinks while
// RUNNING. The detection sink is fetched and stored on the runtime, but no
// frames are delivered to it from here.
func (s *Supervisor) runWorker(ctx context.Context, w *worker) {
	defer close(w.stopped)
	defer w.runtime.ReleaseSinks()
	defer w.runtime.SetConnectionValid(false)

	log := s.log.With().Str("stream", w.cfg.Name).Logger()
	w.runtime.SetState(streamtypes.StateInit)

	source := s.newSource(w.cfg.Name)
	defer source.Close()

	w.runtime.SetState(streamtypes.StateConnecting)
	for {
		if ctx.Err() != nil {
			w.runtime.SetState(streamtypes.StateStopping)
			w.runtime.SetState(streamtypes.StateStopped)
			return
		}

		info, err := source.Open(ctx, w.cfg.URL, w.cfg.Transport)
		if err != nil {
			if s.metrics != nil {
				s.metrics.Reconnects.WithLabelValues(w.cfg.Name).Inc()
			}
			if nvrerr.KindOf(err) == nvrerr.KindFatal {
				log.Error().Err(err).Msg("unrecoverable open failure")
				w.runtime.SetState(streamtypes.StateStopping)
				w.runtime.SetState(streamtypes.StateStopped)
				return
			}
			delay := w.backoff.next()
			w.runtime.IncAttempt(s.defaults.MaxReconnectAttempt)
			log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", w.backoff.attemptCount()).Msg("open failed, retrying")
			if !w.backoff.sleep(delay, ctx.Done()) {
				w.runtime.SetState(streamtypes.StateStopping)
				w.runtime.SetState(streamtypes.StateStopped)
				return
			}
			continue // CONNECTING -> CONNECTING
		}

		hlsSink := s.sinks.HLSSink(w.cfg)
		recSink := s.sinks.RecordSink(w.cfg)
		detectSink := s.sinks.DetectSink(w.cfg)
		w.runtime.HLSSink = hlsSink
		w.runtime.RecordSink = recSink
		w.runtime.DetectSink = detectSink

		w.runtime.SetState(streamtypes.StateRunning)
		w.runtime.SetConnectionValid(true)
		w.runtime.TouchPacket(time.Now())

		readErr := s.readLoop(ctx, w, source, info, hlsSink, recSink)
		w.runtime.SetConnectionValid(false)
		source.Close()

		if readErr == nil || errors.Is(readErr, context.Canceled) || nvrerr.KindOf(readErr) == nvrerr.KindCancelled {
			w.runtime.SetState(streamtypes.StateStopping)
			w.runtime.SetState(streamtypes.StateStopped)
			return
		}

		if nvrerr.KindOf(readErr) == nvrerr.KindFatal {
			log.Error().Err(readErr).Msg("sink fatal, ending stream")
			w.runtime.SetState(streamtypes.StateStopping)
			w.runtime.SetState(streamtypes.StateStopped)
			return
		}

		// RUNNING -> RECONNECTING. The next Open attempt at the top of the
		// loop covers RECONNECTING -> RECONNECTING/RUNNING.
		w.runtime.SetState(streamtypes.StateReconnecting)
		w.runtime.IncConsecutiveFailure()
		if s.metrics != nil {
			s.metrics.Reconnects.WithLabelValues(w.cfg.Name).Inc()
		}

		source = s.newSource(w.cfg.Name)
	}
}

// readLoop reads packets while RUNNING, fanning them out to the HLS and
// recording sinks (in source order, per spec.md §5). It does not decode
// frames and does not feed the detection sink. The first packet read resets
// the reconnect backoff. Returns a Cancelled error when ctx ends, a
// Transient error to trigger reconnection, or a Fatal error (SinkFatal) to
// end the stream outright.
func (s *Supervisor) readLoop(
	ctx context.Context,
	w *worker,
	source Source,
	info streamtypes.StreamInfo,
	hlsSink, recSink streamtypes.PacketSink,
) error {
	timeoutTicker := time.NewTicker(s.defaults.PacketTimeout)
	defer timeoutTicker.Stop()

	packets := make(chan streamtypes.Packet, 1)
	readErrs := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		for {
			pkt, err := source.ReadPacket(readCtx)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case packets <- pkt:
			case <-readCtx.Done():
				return
			}
		}
	}()

	// hlsFailures/recFailures are independent counters: each sink is its own
	// fan-out consumer (spec.md §3 Ownership summary), so a failure in one
	// never suppresses delivery to the other, and neither sink's failures
	// count against the other's SinkFatal budget.
	var hlsFailures, recFailures int
	gotPacket := false

	for {
		select {
		case <-ctx.Done():
			return nvrerr.Cancelled("ingest.read_loop", w.cfg.Name)

		case <-timeoutTicker.C:
			if time.Since(w.runtime.LastPacketAt()) > s.defaults.PacketTimeout {
				return nvrerr.Transient("ingest.read_loop", w.cfg.Name, nvrerr.PacketTimeout, context.DeadlineExceeded)
			}

		case err := <-readErrs:
			return err

		case pkt := <-packets:
			w.runtime.TouchPacket(time.Now())
			if !gotPacket {
				// A run that completed a read cycle resets the backoff.
				gotPacket = true
				w.backoff.reset()
				w.runtime.ResetAttempt()
			}

			if err := hlsSink.OnPacket(w.cfg.Name, pkt, info); err != nil {
				if fatalErr := sinkFailure(w.cfg.Name, &hlsFailures, err); fatalErr != nil {
					return fatalErr
				}
			} else {
				hlsFailures = 0
			}

			if recSink != nil {
				if err := recSink.OnPacket(w.cfg.Name, pkt, info); err != nil {
					if fatalErr := sinkFailure(w.cfg.Name, &recFailures, err); fatalErr != nil {
						return fatalErr
					}
				} else {
					recFailures = 0
				}
			}
		}
	}
}

// sinkFailure records one sink's failure against its own counter and
// returns a SinkFatal error once that sink has failed twice in a row. A
// sink that already reports Fatal (having exhausted its own local retry,
// e.g. hlsseg's one-reopen-then-fatal discipline) is surfaced immediately
// without waiting for a second strike here.
func sinkFailure(stream string, counter *int, err error) error {
	if nvrerr.KindOf(err) == nvrerr.KindFatal {
		return err
	}
	*counter++
	if *counter >= 2 {
		return nvrerr.Fatal("ingest.read_loop", stream, nvrerr.SinkFatal, err)
	}
	return nil
}
