package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/gpio"
	"github.com/sweeney/floor-sensor/internal/mqtt"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/status"
	"github.com/sweeney/floor-sensor/internal/web"
)

// buttonConfidence is the confidence attached to alerts raised by the call
// button and by force requests that do not name one.
const buttonConfidence = 1.0

type frameRecorder interface {
	Record(kind frame.SourceKind, f frame.Frame) error
}

// loop owns the pipeline. Everything that touches it runs on the run
// goroutine; other goroutines reach it only through the channels below.
type loop struct {
	pipeline   *pipeline.Pipeline
	frames     <-chan mqtt.Inbound
	scored     <-chan fall.Scored        // nil without a classifier
	submit     func(fall.Window) bool    // nil without a classifier
	force      <-chan web.ForceRequest   // nil without the HTTP server
	button     gpio.Reader               // nil when the button is disabled
	debounce   *gpio.Button
	recorder   frameRecorder
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	dropped    func() uint64
	heartbeat  time.Duration
	now        func() time.Time
	tick       <-chan time.Time
	sig        <-chan os.Signal
	logger     *zap.Logger

	lastHeartbeat time.Time
}

func (l *loop) run(ctx context.Context) error {
	l.lastHeartbeat = l.now()

	for {
		select {
		case s := <-l.sig:
			l.shutdown(s)
			return nil

		case in := <-l.frames:
			l.handleFrame(ctx, in)

		case s, ok := <-l.scored:
			if !ok {
				l.scored = nil
				continue
			}
			l.pipeline.ApplyScore(s)

		case req := <-l.force:
			a := l.pipeline.Force(l.now(), req.Confidence)
			req.Reply <- a
			l.refresh()

		case <-l.tick:
			l.pollButton()
			l.refresh()
			l.checkHeartbeat()
		}
	}
}

func (l *loop) handleFrame(ctx context.Context, in mqtt.Inbound) {
	if in.Err != nil {
		l.pipeline.Reject(in.Err)
		return
	}
	if l.recorder != nil {
		if err := l.recorder.Record(in.Route.Kind, in.Frame); err != nil {
			l.logger.Warn("frame log write failed", zap.Error(err))
		}
	}

	var (
		c   pipeline.Cycle
		err error
	)
	switch in.Route.Kind {
	case frame.SourceZoneGrid:
		c, err = l.pipeline.ProcessGrid(ctx, in.Frame)
	default:
		c, err = l.pipeline.Process(ctx, in.Frame)
	}
	if err != nil {
		// Already counted by the pipeline.
		return
	}
	if c.Window != nil && l.submit != nil {
		l.submit(*c.Window)
	}
}

func (l *loop) pollButton() {
	if l.button == nil || l.debounce == nil {
		return
	}
	pressed, err := l.button.Read()
	if err != nil {
		l.logger.Warn("gpio read error", zap.Error(err))
		return
	}
	t := l.now()
	if l.debounce.Process(pressed, t) {
		l.logger.Info("call button pressed", zap.Int("presses", l.debounce.Presses()))
		l.pipeline.Force(t, buttonConfidence)
	}
}

// refresh updates the status tracker for HTTP consumers.
func (l *loop) refresh() {
	if l.tracker == nil {
		return
	}
	var dropped uint64
	if l.dropped != nil {
		dropped = l.dropped()
	}
	l.tracker.Update(l.pipeline.Snapshot(), dropped)
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
}

func (l *loop) checkHeartbeat() {
	if l.heartbeat <= 0 {
		return
	}
	t := l.now()
	if t.Sub(l.lastHeartbeat) < l.heartbeat {
		return
	}
	l.lastHeartbeat = t

	stats := l.pipeline.Stats()
	l.logger.Info("heartbeat",
		zap.Uint64("cycles", stats.Cycles),
		zap.Uint64("alerts", stats.Alerts),
		zap.Uint64("malformed", stats.Malformed),
		zap.Uint64("sink_errors", stats.SinkErrors))

	hbEvent := mqtt.SystemEvent{
		Timestamp: t,
		Event:     "HEARTBEAT",
	}
	if l.tracker != nil {
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			l.tracker.SetNetwork(net)
		}
		snap := l.tracker.Snapshot()
		hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
	}
	if err := l.publisher.PublishSystem(hbEvent); err != nil {
		l.logger.Warn("heartbeat publish error", zap.Error(err))
	}
}

func (l *loop) shutdown(s os.Signal) {
	l.logger.Info("shutting down", zap.Stringer("signal", s))
	signalName := "UNKNOWN"
	if s == syscall.SIGINT {
		signalName = "SIGINT"
	} else if s == syscall.SIGTERM {
		signalName = "SIGTERM"
	}
	event := mqtt.SystemEvent{
		Timestamp: l.now(),
		Event:     "SHUTDOWN",
		Reason:    signalName,
		Retained:  true,
	}
	if l.tracker != nil {
		l.refresh()
		snap := l.tracker.Snapshot()
		event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		l.logger.Warn("failed to publish shutdown event", zap.Error(err))
	} else {
		l.logger.Info("published shutdown event")
	}
}
