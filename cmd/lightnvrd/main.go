// Command lightnvrd wires the six core components into one process. It is
// a composition root, not a server: no HTTP/REST surface is started here
// (that layer is an explicit external non-goal), matching the teacher's
// main.go minus its gin router and JWT/CORS middleware stack. Config-file
// parsing is likewise an external non-goal (spec.md §1) — loadStreamConfigs
// below is the seam a real deployment replaces with its own loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lightnvr/core/internal/clip"
	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/detect"
	"github.com/lightnvr/core/internal/hlsseg"
	"github.com/lightnvr/core/internal/ingest"
	"github.com/lightnvr/core/internal/logging"
	"github.com/lightnvr/core/internal/metrics"
	"github.com/lightnvr/core/internal/onvifdisco"
	"github.com/lightnvr/core/internal/recording"
	"github.com/lightnvr/core/internal/recordings"
	"github.com/lightnvr/core/internal/shutdown"
	"github.com/lightnvr/core/internal/streamtypes"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "root directory for HLS segments, recordings, and the index database")
	pretty := flag.Bool("pretty", false, "use a human-readable console logger instead of JSON")
	discover := flag.Bool("discover", false, "run a one-shot ONVIF discovery pass and exit")
	exportStream := flag.String("export-stream", "", "export a clip for this stream name and exit")
	exportStart := flag.String("export-start", "", "RFC3339 start time for -export-stream")
	exportEnd := flag.String("export-end", "", "RFC3339 end time for -export-stream")
	flag.Parse()

	log := logging.New(logging.Options{Pretty: *pretty})
	defaults := config.New()

	if *discover {
		runDiscovery(log, defaults)
		return
	}

	hlsDir := filepath.Join(*dataDir, "hls")
	recDir := filepath.Join(*dataDir, "recordings")
	exportsDir := filepath.Join(*dataDir, "exports")
	for _, d := range []string{hlsDir, recDir, exportsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", d).Msg("failed to create data directory")
		}
	}

	store, err := recordings.Open(filepath.Join(*dataDir, "index.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open recordings index")
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)
	coord := shutdown.New()
	subscriber := onvifdisco.NewEventSubscriber(defaults)
	clipEngine := clip.New(log, store, exportsDir, "ffmpeg")

	if *exportStream != "" {
		runExport(log, clipEngine, *exportStream, *exportStart, *exportEnd)
		return
	}

	reg2 := &registry{
		log:        log,
		defaults:   defaults,
		hlsDir:     hlsDir,
		recDir:     recDir,
		store:      store,
		metrics:    m,
		subscriber: subscriber,
		workers:    map[string]*streamComponents{},
	}

	sup := ingest.New(defaults, log, m, coord, reg2, 0)

	for _, cfg := range loadStreamConfigs() {
		if !cfg.Enabled {
			continue
		}
		if err := sup.Start(cfg); err != nil {
			log.Error().Err(err).Str("stream", cfg.Name).Msg("failed to start stream")
		}
	}

	root := suture.NewSimple("lightnvrd")
	root.Add(sup)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervision tree exited with error")
	}

	reg2.stopAll()
}

// loadStreamConfigs stands in for the external config loader spec.md §1
// excludes from this module's scope. A real deployment replaces this with
// a file/env loader producing the same []config.StreamConfig.
func loadStreamConfigs() []config.StreamConfig {
	return nil
}

// runDiscovery performs a single ONVIF discovery pass: candidate
// auto-detection, WS-Discovery probe/collect, and profile enumeration for
// anything found, then prints results and exits — a CLI stand-in for the
// excluded HTTP device-management surface.
func runDiscovery(log zerolog.Logger, defaults config.Defaults) {
	disco := onvifdisco.New(log, defaults)
	candidates := onvifdisco.LocalSubnetCandidates(defaults.DiscoveryProbeTimeout)

	devices, err := disco.Discover(candidates)
	if err != nil {
		log.Error().Err(err).Msg("discovery failed")
		return
	}

	for _, d := range devices {
		fmt.Printf("%s\t%s\t%s\n", d.IP, d.Name, d.XAddr)
		profiles, err := onvifdisco.FetchProfiles(d.XAddr, "", "")
		if err != nil {
			log.Debug().Err(err).Str("device", d.XAddr).Msg("profile enumeration failed (credentials likely required)")
			continue
		}
		for _, p := range profiles {
			fmt.Printf("\t%s\t%s\n", p.Name, p.StreamURI)
		}
	}
}

// runExport implements C5's export_range operation as a CLI one-shot: a
// real deployment would expose this over RPC, but the engine itself is the
// same clip.Engine the server would drive.
func runExport(log zerolog.Logger, engine *clip.Engine, stream, startStr, endStr string) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Error().Err(err).Str("value", startStr).Msg("invalid -export-start")
		return
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		log.Error().Err(err).Str("value", endStr).Msg("invalid -export-end")
		return
	}
	meta, err := engine.ExportRange(context.Background(), stream, start, end)
	if err != nil {
		log.Error().Err(err).Str("stream", stream).Msg("export failed")
		return
	}
	fmt.Printf("exported %s (%d bytes, %d source recordings)\n", meta.Path, meta.SizeBytes, len(meta.SourceIDs))
}

// streamComponents bundles the per-stream C2/C3/C4 instances plus the
// goroutines each one needs for its own lifetime, independent of the
// ingest worker's reconnect cycle.
type streamComponents struct {
	hls        *hlsseg.Segmenter
	rec        *recording.Engine
	detectWork *detect.Worker
	scan       *detect.SegmentScanner
	cancel     context.CancelFunc
}

// registry implements ingest.SinkFactory, lazily building (and caching)
// each stream's C2/C3/C4 trio the first time the supervisor asks for sinks
// — i.e. whenever a stream reaches RUNNING, including after a reconnect.
// Built once per stream name rather than per connection attempt, since the
// HLS playlist, recording index, and detection worker all outlive a single
// RTSP session.
type registry struct {
	log        zerolog.Logger
	defaults   config.Defaults
	hlsDir     string
	recDir     string
	store      *recordings.Store
	metrics    *metrics.Set
	subscriber *onvifdisco.EventSubscriber

	mu      sync.Mutex
	workers map[string]*streamComponents
}

func (r *registry) componentsFor(cfg config.StreamConfig) *streamComponents {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.workers[cfg.Name]; ok {
		return sc
	}

	hls := hlsseg.New(r.log, r.hlsDir, cfg, r.defaults)
	rec := recording.New(r.log, r.recDir, cfg, r.defaults, r.store, r.metrics)

	detector := r.buildDetector(cfg)
	zones := detect.ZoneFilter{Zones: cfg.Zones, Threshold: r.defaults.ZoneOverlapThreshold}
	worker, err := detect.New(r.log, cfg, r.defaults, detector, zones, rec, r.metrics, nil)
	if err != nil {
		r.log.Error().Err(err).Str("stream", cfg.Name).Msg("detection worker config rejected, running without detection")
		worker = nil
	}

	sc := &streamComponents{hls: hls, rec: rec, detectWork: worker}

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	if worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil {
				r.log.Error().Err(err).Str("stream", cfg.Name).Msg("detection worker exited")
			}
		}()
		if cfg.SegmentScanDetection {
			sc.scan = detect.NewSegmentScanner(r.log, filepath.Join(r.hlsDir, cfg.Name), worker)
			go func() {
				if err := sc.scan.Run(ctx); err != nil {
					r.log.Error().Err(err).Str("stream", cfg.Name).Msg("segment scanner exited")
				}
			}()
		}
	}

	if cfg.DetectionBased {
		go r.runCheckTimeouts(ctx, cfg.Name, rec)
	}

	r.workers[cfg.Name] = sc
	return sc
}

// runCheckTimeouts drives a detection-gated recording's periodic post-roll
// close-out (spec.md §4.3's check_timeouts(stream) operation): without it,
// a session only ever closes when another packet arrives, so a camera that
// disconnects mid post-roll would leave its recording open indefinitely.
func (r *registry) runCheckTimeouts(ctx context.Context, name string, rec *recording.Engine) {
	interval := r.defaults.CheckTimeoutInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rec.CheckTimeouts(time.Now()); err != nil {
				r.log.Warn().Err(err).Str("stream", name).Msg("check_timeouts failed")
			}
		}
	}
}

// buildDetector resolves cfg.DetectorRef to a concrete detect.Detector,
// per spec.md §4.4's four variants.
func (r *registry) buildDetector(cfg config.StreamConfig) detect.Detector {
	switch cfg.DetectorRef {
	case config.DetectorHttpApi:
		return detect.NewHttpApiDetector(cfg.DetectionAPIURL, cfg.ConfidenceThreshold)
	case config.DetectorOnvif:
		return detect.NewOnvifDetector(cfg.URL, r.subscriber)
	case config.DetectorLocal:
		return detect.NewLocalDetector(cfg.ModelPath, nil)
	default:
		return detect.NewMotionDetector()
	}
}

func (r *registry) HLSSink(cfg config.StreamConfig) streamtypes.PacketSink {
	return r.componentsFor(cfg).hls
}

func (r *registry) RecordSink(cfg config.StreamConfig) streamtypes.PacketSink {
	if !cfg.RecordEnabled {
		return nil
	}
	return r.componentsFor(cfg).rec
}

// DetectSink never wires a live-frame sink: the ingest path
// (github.com/deepch/vdk) only delivers compressed H264/H265 packets, and
// no decoder dependency exists anywhere in the retrieved example pack to
// turn those into the decoded streamtypes.Frame live-frame mode needs — the
// same reasoning internal/detect's segment-scan path already documents for
// its own undecoded Sample.Encoded bytes. A stream configured for
// live-frame detection gets a warning and no detection, rather than a sink
// that's wired but silently never called; segment-scan detection (which
// works directly off encoded keyframes) is the supported path.
func (r *registry) DetectSink(cfg config.StreamConfig) streamtypes.FrameSink {
	if cfg.LiveFrameDetection {
		r.log.Warn().Str("stream", cfg.Name).Msg("live-frame detection requested but no frame decoder is available; use segment-scan detection instead")
	}
	return nil
}

// stopAll shuts every stream's components down concurrently rather than one
// at a time, the way ManuGH-xg2g's daemon.App.Run fans its own subsystems out
// under an errgroup; a slow ffmpeg flush on one stream shouldn't hold up the
// rest of the process exiting.
func (r *registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var g errgroup.Group
	for name, sc := range r.workers {
		name, sc := name, sc
		if sc.cancel != nil {
			sc.cancel()
		}
		g.Go(func() error {
			if err := sc.hls.Close(); err != nil {
				r.log.Warn().Err(err).Str("stream", name).Msg("hls segmenter close failed")
			}
			if err := sc.rec.Flush(); err != nil {
				r.log.Warn().Err(err).Str("stream", name).Msg("recording flush failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
