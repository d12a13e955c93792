package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/intersection.control/internal/api"
	"github.com/banshee-data/intersection.control/internal/config"
	"github.com/banshee-data/intersection.control/internal/db"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/feed"
	"github.com/banshee-data/intersection.control/internal/monitoring"
	"github.com/banshee-data/intersection.control/internal/serialmux"
	"github.com/banshee-data/intersection.control/internal/transport"
	"github.com/banshee-data/intersection.control/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", ":50051", "gRPC live feed listen address (empty disables)")
	configFile     = flag.String("config", "", "Path to a .json, .yaml or .yml engine config (built-in defaults if empty)")
	envFile        = flag.String("env-file", ".env", "dotenv file applied before SIGNAL_* overrides")
	devMode        = flag.Bool("dev", false, "Run in dev mode: in-memory transport, loopback cabinet, fixture replay")
	fixturesFile   = flag.String("fixtures", "fixtures.jsonl", "Observation JSON lines replayed in dev mode")
	replayInterval = flag.Duration("replay-interval", time.Second, "Delay between replayed fixtures in dev mode")
	logLevel       = flag.String("log.level", "info", "Log level: trace, debug, info, warn, error, critical or off")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

var log = monitoring.Logger("main")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags]\n       %s migrate <action> [args]\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("signal", version.String())
		return
	}
	if err := monitoring.Setup(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetSQLitePath(), os.Stdin, os.Stdout); err != nil {
			log.WithError(err).Fatal("migrate failed")
		}
		return
	}
	if flag.NArg() > 0 {
		usage()
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("signal controller stopped with error")
	}
	log.Info("graceful shutdown complete")
}

// loadConfig layers the config file (or defaults), the dotenv file and the
// SIGNAL_* environment.
func loadConfig() (*config.EngineConfig, error) {
	cfg := config.EmptyEngineConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadEngineConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if *devMode {
		cfg.Transport = ptr("memory")
	}
	return cfg, nil
}

func ptr[T any](v T) *T { return &v }

func run(cfg *config.EngineConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	stores, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	cabinetPort, err := openCabinet(cfg)
	if err != nil {
		return err
	}
	defer cabinetPort.Close()
	if err := cabinetPort.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize cabinet link: %w", err)
	}

	actuators := []engine.Actuator{
		engine.NewTransportActuator(tr, cfg.GetCommandsTopic(), cfg.GetYellowSec()),
	}
	var cabinet *serialmux.Cabinet
	if _, disabled := cabinetPort.(*serialmux.DisabledSerialMux); !disabled {
		cabinet = serialmux.NewCabinet(cabinetName(cfg), cabinetPort, cfg.GetYellowSec())
		actuators = append(actuators, cabinet)
	}

	hub := feed.NewHub(cfg.GetSubscriberBuffer())
	eng := engine.New(engine.Options{
		Config:    cfg,
		Hub:       hub,
		Recorder:  stores.recorder,
		Actuators: actuators,
	})
	if stores.lister != nil {
		if err := eng.Preload(ctx, stores.lister); err != nil {
			return err
		}
	}
	publishVars(eng, hub, cabinet, tr)

	srv := api.NewServer(api.Options{
		Controller:   eng,
		Store:        stores.reader,
		Hub:          hub,
		LaneCapacity: cfg.GetLaneCapacityVehicles(),
	})
	mux := srv.ServeMux()
	if stores.sqlite != nil {
		stores.sqlite.AttachAdminRoutes(mux)
	}
	cabinetPort.AttachAdminRoutes(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		return ignoreCanceled(tr.Subscribe(gctx, cfg.GetDetectionsTopic(), eng.HandleMessage))
	})
	g.Go(func() error { return ignoreCanceled(cabinetPort.Monitor(gctx)) })
	if cabinet != nil {
		g.Go(func() error { return ignoreCanceled(cabinet.Run(gctx)) })
	}
	// Live viewers hold their requests open; closing the hub releases them
	// before the servers drain.
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		return nil
	})
	g.Go(func() error { return serveHTTP(gctx, *listen, api.LoggingMiddleware(mux)) })
	if *grpcListen != "" {
		g.Go(func() error { return serveGRPC(gctx, *grpcListen, hub) })
	}
	if *devMode {
		g.Go(func() error {
			return ignoreCanceled(replayFixtures(gctx, tr, cfg.GetDetectionsTopic(), *fixturesFile, *replayInterval))
		})
	}

	log.WithFields(logrus.Fields{
		"transport": cfg.GetTransport(),
		"store":     cfg.GetStore(),
		"listen":    *listen,
		"version":   version.Version,
	}).Info("signal controller started")
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func openTransport(cfg *config.EngineConfig) (transport.Transport, error) {
	switch kind := cfg.GetTransport(); kind {
	case "mqtt":
		t, err := transport.NewMQTT(transport.MQTTOptions{
			Broker:   cfg.GetMQTTBroker(),
			ClientID: cfg.GetMQTTClientID(),
			QoS:      1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect MQTT transport: %w", err)
		}
		return t, nil
	case "kafka":
		t, err := transport.NewKafka(transport.KafkaOptions{
			BootstrapServers: cfg.GetKafkaBrokers(),
			GroupID:          cfg.GetKafkaGroupID(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka transport: %w", err)
		}
		return t, nil
	case "memory":
		return transport.NewMemory(cfg.GetSubscriberBuffer()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func openCabinet(cfg *config.EngineConfig) (serialmux.SerialMuxInterface, error) {
	if *devMode {
		return serialmux.NewLoopbackSerialMux(), nil
	}
	port := cfg.GetCabinetPort()
	if port == "" {
		log.Info("no cabinet port configured, serial actuation disabled")
		return serialmux.NewDisabledSerialMux(), nil
	}
	m, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: cfg.GetCabinetBaud()})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func cabinetName(cfg *config.EngineConfig) string {
	if *devMode {
		return "loopback"
	}
	return cfg.GetCabinetPort()
}

// publishVars exposes the engine counters on /debug/varz.
func publishVars(eng *engine.Engine, hub *feed.Hub, cabinet *serialmux.Cabinet, tr transport.Transport) {
	monitoring.Publish("observations_rejected", eng.Router().Rejects())
	monitoring.Publish("gateway_status", eng.Router().GatewayStatuses())
	monitoring.PublishFunc("engine", func() any { return eng.Stats() })
	monitoring.PublishFunc("live_feed", func() any { return hub.Stats() })
	if cabinet != nil {
		monitoring.Publish("cabinet_lines", cabinet.Lines())
	}
	if k, ok := tr.(*transport.Kafka); ok {
		monitoring.PublishFunc("kafka", func() any { return k.Metrics() })
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
		if err := server.Close(); err != nil {
			log.WithError(err).Warn("HTTP server force close error")
		}
	}
	log.Info("HTTP server routine stopped")
	return nil
}

func serveGRPC(ctx context.Context, addr string, hub *feed.Hub) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	feed.RegisterGRPC(s, hub)

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("gRPC live feed listening")
		errc <- s.Serve(lis)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("gRPC server: %w", err)
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.Stop()
	}
	log.Info("gRPC server stopped")
	return nil
}
