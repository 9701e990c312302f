// Command kaleidoscope runs the control plane: it loads the configured
// fixtures and programs, drives the tick loop, serves the HTTP control
// plane, and pushes the composed output vector to the Submarine actuator
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/internal/mqttbridge"
	"github.com/mrd0ll4r/kaleidoscope/internal/statestore"
	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/api"
	"github.com/mrd0ll4r/kaleidoscope/pkg/config"
	"github.com/mrd0ll4r/kaleidoscope/pkg/engine"
	"github.com/mrd0ll4r/kaleidoscope/pkg/fixture"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/metrics"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *configPath); err != nil && err != context.Canceled {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

func run(logger *zap.Logger, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.ReadFile(configPath)
	if err != nil {
		return err
	}

	space, err := buildSpace(cfg.Universe)
	if err != nil {
		return err
	}
	registry := params.NewRegistry()
	globalStore := globals.NewStore(logger.Named("globals"))
	collector := metrics.NewCollector()

	var state *statestore.Store
	if cfg.StateDBPath != "" {
		state, err = statestore.Open(cfg.StateDBPath, logger)
		if err != nil {
			return err
		}
		defer func() { _ = state.Close() }()
	}

	eng, err := engine.New(engine.Options{
		TickRate:      cfg.Tick.RateHz,
		Workers:       cfg.Tick.Workers,
		ProgramBudget: cfg.Tick.ProgramBudget.Std(),
		Logger:        logger,
		Space:         space,
		Registry:      registry,
		Globals:       globalStore,
		Sink:          sink.NewSubmarine(cfg.SubmarineURL),
		Metrics:       collector,
		State:         stateRecorder(state),
	})
	if err != nil {
		return err
	}

	logger.Info("loading fixtures", zap.String("path", cfg.FixturesPath))
	fixtureFiles, err := config.ReadFixtures(cfg.FixturesPath)
	if err != nil {
		return err
	}
	for _, ff := range fixtureFiles {
		f, err := fixture.Load(fixture.Options{
			Name:                   ff.Name,
			Outputs:                ff.Outputs,
			Programs:               programSources(ff.Programs),
			BaseDir:                ff.Dir,
			DisableBuiltinPrograms: ff.DisableBuiltinPrograms,
			DisableManualProgram:   ff.DisableManualProgram,
			Space:                  space,
			Registry:               registry,
			Logger:                 logger,
			MaxFailures:            cfg.Tick.MaxFailures,
			SlowModePeriod:         cfg.Tick.SlowModePeriod,
		})
		if err != nil {
			return err
		}
		if err := eng.AddFixture(f); err != nil {
			return err
		}
	}

	if state != nil {
		active, err := state.Restore(ctx, registry)
		if err != nil {
			return err
		}
		for _, sp := range active {
			if err := eng.RestoreActiveProgram(sp.Fixture, sp.Program); err != nil {
				logger.Info("skipping stale persisted active program",
					zap.String("fixture", sp.Fixture),
					zap.String("program", sp.Program),
					zap.Error(err))
			}
		}
	}

	if cfg.MQTT != nil {
		bridge, err := mqttbridge.Connect(mqttbridge.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Logger:      logger,
		}, eng)
		if err != nil {
			return err
		}
		defer bridge.Close()
	}

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("kaleidoscope"),
			nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("unable to connect to NATS: %w", err)
		}
		defer conn.Close()

		publisher := sink.NewStatusPublisher(conn, cfg.StatusSubject, cfg.StatusInterval.Std(),
			collector, activePrograms(eng), logger)
		go publisher.Run(ctx)
	}

	if cfg.HTTPListenAddress != "" {
		server := api.NewServer(cfg.HTTPListenAddress, eng, collector, logger)
		go func() {
			if err := server.ListenAndServe(ctx); err != nil {
				logger.Error("control-plane server stopped", zap.Error(err))
			}
		}()
	}

	return eng.Run(ctx)
}

func buildSpace(u config.UniverseConfig) (*address.Space, error) {
	inputs := make([]address.AliasDecl, len(u.Inputs))
	for i, d := range u.Inputs {
		inputs[i] = address.AliasDecl{Alias: d.Alias, Address: d.Address}
	}
	outputs := make([]address.AliasDecl, len(u.Outputs))
	for i, d := range u.Outputs {
		outputs[i] = address.AliasDecl{Alias: d.Alias, Address: d.Address}
	}
	groups := make([]address.GroupDecl, len(u.Groups))
	for i, g := range u.Groups {
		groups[i] = address.GroupDecl{Name: g.Name, Outputs: g.Outputs}
	}
	return address.NewSpace(inputs, outputs, groups)
}

func programSources(decls []config.ProgramDecl) []fixture.ProgramSource {
	out := make([]fixture.ProgramSource, len(decls))
	for i, d := range decls {
		out[i] = fixture.ProgramSource{Name: d.Name, Path: d.Path}
	}
	return out
}

// stateRecorder avoids handing the engine a non-nil interface wrapping a nil
// store.
func stateRecorder(s *statestore.Store) engine.StateRecorder {
	if s == nil {
		return nil
	}
	return s
}

func activePrograms(eng *engine.Engine) sink.ActiveSource {
	return func(ctx context.Context) (map[string]string, error) {
		infos, err := eng.Fixtures(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(infos))
		for _, info := range infos {
			out[info.Name] = info.ActiveProgram
		}
		return out, nil
	}
}
