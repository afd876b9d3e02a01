package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ky4olb/wwvengine/config"
	"github.com/ky4olb/wwvengine/logsink"
	"github.com/ky4olb/wwvengine/manager"
	"github.com/ky4olb/wwvengine/metrics"
	"github.com/ky4olb/wwvengine/telemetry"
	"github.com/ky4olb/wwvengine/wwv"
)

// consoleSink is the ExternalSink used by the CLI driver: it prints every
// confirmed marker and fused sync transition to stdout, forwards telemetry
// to the configured MQTT/UDP sinks, and records everything into the CSV
// logs and Prometheus metrics. This runs on the display path: nothing here
// may block the detector-path goroutine that calls manager.ProcessSample.
type consoleSink struct {
	station string

	mqtt  *telemetry.Publisher
	udp   *telemetry.UDPBroadcaster
	metr  *metrics.Metrics
	csv   *logsink.Writer
	tones *logsink.Writer

	lastState wwv.SyncState
}

func (s *consoleSink) OnConfirmedMarker(evt wwv.TickMarkerEvent) {
	fmt.Printf("[%s] minute marker confirmed, duration=%.0fms\n", s.station, evt.DurationMs)
	s.metr.RecordMarker(s.station)
}

func (s *consoleSink) OnSymbol(evt wwv.SymbolEvent) {
	fmt.Printf("[%s] second %02d: %s (%s, conf=%.2f)\n", s.station, evt.Second, evt.Symbol, evt.Source, evt.Confidence)
	s.metr.RecordSymbol(s.station, evt)
	if s.csv != nil {
		s.csv.SymbolRow(evt)
	}
	if s.mqtt != nil {
		s.mqtt.PublishSymbol(evt)
	}
	if s.udp != nil {
		s.udp.PublishSymbol(evt)
	}
}

func (s *consoleSink) OnToneMeasurement(name string, timestampMs float64, m wwv.ToneMeasurement) {
	s.metr.RecordTone(s.station, name, m)
	if s.tones != nil {
		s.tones.ToneRow(timestampMs, m)
	}
}

func (s *consoleSink) OnFrameTime(ft wwv.FrameTime) {
	s.metr.RecordFrameTime(s.station, ft)
	if ft.State != s.lastState {
		fmt.Printf("[%s] sync state: %s -> %s (confidence=%.2f)\n", s.station, s.lastState, ft.State, ft.Confidence)
		s.lastState = ft.State
	}
	if s.mqtt != nil {
		s.mqtt.PublishFrameTime(ft)
	}
	if s.udp != nil {
		s.udp.PublishFrameTime(ft)
	}
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}

	inputPath, _ := cmd.Flags().GetString("input")
	if inputPath == "" {
		return fmt.Errorf("--input is required")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if !cfg.Debug {
		logger.SetOutput(io.Discard)
	}

	sink := &consoleSink{station: cfg.Station, metr: metrics.New()}

	if cfg.MQTTEnabled {
		pub, err := telemetry.NewPublisher(telemetry.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			TopicPrefix: cfg.MQTTTopicPrefix,
			StationID:   cfg.Station,
		}, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Close()
		sink.mqtt = pub
	}

	if cfg.UDPEnabled {
		bc := telemetry.NewUDPBroadcaster(telemetry.UDPConfig{
			Host:      cfg.UDPHost,
			Port:      cfg.UDPPort,
			StationID: cfg.Station,
		})
		if err := bc.Start(); err != nil {
			return fmt.Errorf("udp: %w", err)
		}
		defer bc.Stop()
		sink.udp = bc
	}

	if cfg.CSVLogDir != "" {
		if err := os.MkdirAll(cfg.CSVLogDir, 0755); err != nil {
			return fmt.Errorf("csv log dir: %w", err)
		}
		w, err := logsink.Open(
			cfg.CSVLogDir+"/symbols.csv",
			time.Now(),
			[]string{fmt.Sprintf("wwvengine BCD symbol log, station=%s", cfg.Station)},
			"time,timestamp_ms,second,symbol,source,confidence",
		)
		if err != nil {
			return fmt.Errorf("csv log: %w", err)
		}
		defer w.Close()
		sink.csv = w

		tw, err := logsink.Open(
			cfg.CSVLogDir+"/tones.csv",
			time.Now(),
			[]string{fmt.Sprintf("wwvengine reference-tone log, station=%s", cfg.Station)},
			"time,timestamp_ms,measured_hz,offset_hz,offset_ppm,snr_db,valid",
			// one row per tone measurement; OnToneMeasurement's name argument
			// is not a column here, matching logsink.Writer.ToneRow's fixed
			// schema — see its doc comment.
		)
		if err != nil {
			return fmt.Errorf("csv log: %w", err)
		}
		defer tw.Close()
		sink.tones = tw
	}

	mgr, err := manager.New(manager.Config{
		SampleRateHz:              cfg.SampleRate,
		TickFreqHz:                cfg.TickFreqHz(),
		Logger:                    logger,
		TickThresholdMultiplier:   cfg.TickThresholdMult,
		TickMinDurationMs:         cfg.TickMinDurationMs,
		TickAdaptAlphaDown:        cfg.TickAdaptAlphaDown,
		TickAdaptAlphaUp:          cfg.TickAdaptAlphaUp,
		MarkerThresholdMultiplier: cfg.MarkerThresholdMult,
		MarkerNoiseAdaptRate:      cfg.MarkerNoiseAdaptRate,
	}, sink)
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}
	defer mgr.Destroy()
	fmt.Printf("[%s] run %s starting, decoding %s\n", cfg.Station, mgr.RunID(), inputPath)

	reader, err := openIQFile(inputPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		s, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read sample: %w", err)
		}
		if err := mgr.ProcessSample(s); err != nil {
			return fmt.Errorf("process sample: %w", err)
		}
		if err := mgr.ProcessDisplaySample(s); err != nil {
			return fmt.Errorf("process display sample: %w", err)
		}
	}

	fmt.Printf("[%s] final sync state: %s\n", cfg.Station, mgr.SyncState())
	mgr.PrintStats(os.Stdout)
	return nil
}
