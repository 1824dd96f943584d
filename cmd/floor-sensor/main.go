// Command floor-sensor reads pressure frames from MQTT, runs the zone
// pipeline and publishes fall alerts, metrics and gait features.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/floor-sensor/internal/config"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/framelog"
	"github.com/sweeney/floor-sensor/internal/gpio"
	"github.com/sweeney/floor-sensor/internal/logging"
	"github.com/sweeney/floor-sensor/internal/mqtt"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/status"
	"github.com/sweeney/floor-sensor/internal/stream"
	"github.com/sweeney/floor-sensor/internal/web"
)

type options struct {
	heartbeat   time.Duration
	poll        time.Duration
	wsBroker    string
	printConfig bool
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file (empty for defaults)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	poll := flag.Duration("poll", 100*time.Millisecond, "Status refresh and button polling interval")
	wsBroker := flag.String("ws-broker", "=broker", `MQTT websocket URL for live UI ("=broker" derives from the broker, "off" disables)`)
	printConfig := flag.Bool("print-config", false, "Print the resolved configuration and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = *httpAddr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "floor-sensor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := options{
		heartbeat:   *heartbeat,
		poll:        *poll,
		wsBroker:    resolveWSBroker(*wsBroker, cfg.MQTT.Broker, logger),
		printConfig: *printConfig,
	}
	if err := run(cfg, opts, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, opts options, logger *zap.Logger) error {
	if opts.printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		os.Stdout.Write(out)
		return nil
	}

	routes, err := cfg.Routes()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Topics: mqtt.Topics{
			Alerts:   cfg.MQTT.AlertsTopic,
			Metrics:  cfg.MQTT.MetricsTopic,
			Features: cfg.MQTT.FeaturesTopic,
			System:   cfg.MQTT.SystemTopic,
		},
		BufferSize: cfg.MQTT.BufferSize,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	sinks := pipeline.Sinks{
		Alerts:   []pipeline.AlertSink{publisher},
		Metrics:  []pipeline.MetricsSink{publisher},
		Features: []pipeline.FeatureSink{publisher},
	}

	if cfg.Redis.Enabled {
		sp := stream.New(stream.NewClient(cfg.Redis.Config), cfg.Redis.Config, logger)
		defer sp.Close()
		timeout := cfg.Redis.Timeout
		if timeout <= 0 {
			timeout = stream.DefaultConfig().Timeout
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
		if err := sp.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, stream writes will fail until it recovers", zap.Error(err))
		}
		pingCancel()
		sinks.Alerts = append(sinks.Alerts, sp)
		sinks.Metrics = append(sinks.Metrics, sp)
		sinks.Features = append(sinks.Features, sp)
	}

	var recorder *framelog.Log
	if cfg.FrameLog.Path != "" {
		recorder, err = framelog.Open(cfg.FrameLog.Path)
		if err != nil {
			return fmt.Errorf("open frame log: %w", err)
		}
		defer recorder.Close()
		sinks.Alerts = append(sinks.Alerts, recorder)
		logger.Info("recording frames", zap.String("path", cfg.FrameLog.Path))
	}

	p, err := pipeline.New(cfg.PipelineConfig(), nil, sinks, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	l := &loop{
		pipeline:   p,
		publisher:  publisher,
		mqttStatus: publisher,
		heartbeat:  opts.heartbeat,
		now:        time.Now,
		logger:     logger,
	}
	if recorder != nil {
		l.recorder = recorder
	}

	if cfg.Fall.ClassifierURL != "" {
		classifier := fall.NewHTTPClassifier(cfg.Fall.ClassifierURL, cfg.Fall.ClassifierPath, cfg.Fall.ClassifierTimeout)
		worker := fall.NewWorker(classifier, cfg.Fall.Queue, cfg.Fall.ClassifierTimeout, logger.Named("classifier"))
		worker.Start(ctx)
		defer worker.Stop()
		l.submit = worker.Submit
		l.scored = worker.Results()
	} else {
		logger.Warn("no classifier configured, fall windows will not be scored")
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Zone:        cfg.Zone,
		Rows:        cfg.UnifiedGrid.Rows,
		Cols:        cfg.UnifiedGrid.Cols,
		Devices:     len(cfg.Devices),
		PublishHz:   cfg.Publish.Hz,
		HeartbeatMs: opts.heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
		WSBroker:    opts.wsBroker,
		LiveTopic:   cfg.MQTT.MetricsTopic,
		Classifier:  cfg.Fall.ClassifierURL,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetMQTTConnected(publisher.IsConnected())
	l.tracker = tracker

	ingress := mqtt.NewIngress(routes, cfg.MQTT.FrameQueue, logger.Named("ingress"))
	if err := publisher.Subscribe(ingress); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.frames = ingress.Frames()
	l.dropped = ingress.Dropped

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		logger.Warn("failed to publish startup event", zap.Error(err))
	} else {
		logger.Info("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		force := make(chan web.ForceRequest)
		l.force = force
		srv := web.New(cfg.HTTP.Addr, tracker, force)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	if cfg.GPIO.Enabled {
		reader, err := gpio.NewRealReader(cfg.GPIO.Pin)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer reader.Close()
		l.button = reader
		l.debounce = gpio.NewButton(cfg.GPIO.Debounce)
	}

	logger.Info("started",
		zap.String("zone", cfg.Zone),
		zap.Int("devices", len(cfg.Devices)),
		zap.Strings("topics", ingress.Topics()),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("heartbeat", opts.heartbeat))

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	l.tick = ticker.C

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	l.sig = sigCh

	return l.run(ctx)
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker flag value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string, logger *zap.Logger) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		logger.Warn("ws-broker: cannot parse broker address", zap.String("broker", broker), zap.Error(err))
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
