// Command floor-replay runs a recorded frame log through a cold pipeline and
// writes one JSON metrics line per cycle to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/config"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/framelog"
	"github.com/sweeney/floor-sensor/internal/logging"
	"github.com/sweeney/floor-sensor/internal/pipeline"
)

// entrySource is satisfied by *framelog.Log.
type entrySource interface {
	Iterate(ctx context.Context, fn func(framelog.Entry) error) error
}

type summary struct {
	Entries int
	Cycles  int
	Alerts  []fall.Alert
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file (empty for defaults)")
	logPath := flag.String("log", "", "Frame log to replay (defaults to framelog.path from the config)")
	classifier := flag.String("classifier", "", `Classifier base URL (overrides config, "off" disables scoring)`)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if *logPath != "" {
		cfg.FrameLog.Path = *logPath
	}
	switch *classifier {
	case "":
	case "off":
		cfg.Fall.ClassifierURL = ""
	default:
		cfg.Fall.ClassifierURL = *classifier
	}

	// stdout carries the metrics lines; console logs go to stderr.
	logger, err := logging.New(cfg.Log.Level, "console", "floor-replay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, os.Stdout, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, out io.Writer, logger *zap.Logger) error {
	if cfg.FrameLog.Path == "" {
		return fmt.Errorf("no frame log: set -log or framelog.path")
	}
	log, err := framelog.Open(cfg.FrameLog.Path)
	if err != nil {
		return fmt.Errorf("open frame log: %w", err)
	}
	defer log.Close()

	var c fall.Classifier
	if cfg.Fall.ClassifierURL != "" {
		c = fall.NewHTTPClassifier(cfg.Fall.ClassifierURL, cfg.Fall.ClassifierPath, cfg.Fall.ClassifierTimeout)
	} else {
		logger.Warn("no classifier configured, fall windows will not be scored")
	}

	p, err := pipeline.New(cfg.PipelineConfig(), c, pipeline.Sinks{}, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := replay(ctx, log, p, out)
	if err != nil {
		return err
	}
	stats := p.Stats()
	logger.Info("replay complete",
		zap.Int("entries", sum.Entries),
		zap.Int("cycles", sum.Cycles),
		zap.Int("alerts", len(sum.Alerts)),
		zap.Uint64("rejected", stats.Malformed+stats.DimensionMismatch+stats.Stale+stats.UnknownDevice),
		zap.Uint64("classifier_faults", stats.ClassifierFaults))
	return nil
}

// replay feeds every entry to p in log order and encodes each cycle's metrics
// as a line on out. Rejected frames are counted by the pipeline and skipped.
func replay(ctx context.Context, src entrySource, p *pipeline.Pipeline, out io.Writer) (summary, error) {
	var sum summary
	enc := json.NewEncoder(out)
	err := src.Iterate(ctx, func(e framelog.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.Entries++

		var (
			c   pipeline.Cycle
			err error
		)
		if e.Kind == frame.SourceZoneGrid {
			c, err = p.ProcessGrid(ctx, e.Frame)
		} else {
			c, err = p.Process(ctx, e.Frame)
		}
		if err != nil {
			return nil
		}
		sum.Cycles++
		if c.Fall.Alert != nil {
			sum.Alerts = append(sum.Alerts, *c.Fall.Alert)
		}
		if err := enc.Encode(c.Metrics); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("replay: %w", err)
	}
	return sum, nil
}
