package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	"github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/rest"
	"github.com/pbinitiative/zenflow/pkg/engine"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/boltdb"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/storage/sqlite"
	"github.com/spf13/cobra"
)

// systemPrincipal publishes the models found in the models directory.
var systemPrincipal = security.NewPrincipal("system")

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the engine and its system endpoints",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
					return err
				}
			}
			conf, err := config.ReadConfig()
			if err != nil {
				return fmt.Errorf("failed to read configuration: %w", err)
			}
			if err := conf.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file, defaults to $CONFIG_FILE or ./conf.yaml")
	return cmd
}

func serve(ctx context.Context, conf config.Config) error {
	log.Init(conf.Log.Level)

	appContext, ctxCancel := context.WithCancel(ctx)
	defer ctxCancel()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up OTEL: %w", err)
	}
	defer openTelemetry.Stop(context.WithoutCancel(appContext))

	backend, err := openBackend(appContext, conf.Storage)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", conf.Storage.Backend, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("failed to close storage: %s", err)
		}
	}()

	ids, err := idGenerator(conf.Engine.NodeId)
	if err != nil {
		return err
	}
	db := storage.NewDB(backend, storage.WithIdGenerator(ids), storage.WithLogger(log.Logger().Named("storage")))
	zenEngine, err := engine.NewEngine(
		engine.WithName(conf.Name),
		engine.WithStorage(db),
		engine.WithCacheSizes(engine.CacheSizes{
			Models:        conf.Engine.Cache.Models,
			Instances:     conf.Engine.Cache.Instances,
			NodeInstances: conf.Engine.Cache.NodeInstances,
		}),
		engine.WithTickleQueueSize(conf.Engine.TickleQueueSize),
		engine.WithCancelAllConcurrency(conf.Engine.CancelAllConcurrency),
		engine.WithLogger(log.Logger().Named("engine")),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	zenEngine.Start(appContext)
	defer zenEngine.Stop()

	if conf.Engine.ModelsDir != "" {
		if err := publishModels(appContext, zenEngine, conf.Engine.ModelsDir); err != nil {
			return err
		}
	}

	svr := rest.NewServer(conf, func(ctx context.Context) (any, error) {
		return status(ctx, zenEngine, conf)
	})
	if _, err := svr.Start(); err != nil {
		return fmt.Errorf("failed to start system endpoints: %w", err)
	}
	defer svr.Stop(context.WithoutCancel(appContext))

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appContext, appStop)
	return nil
}

func handleSigterm(ctx context.Context, appStop chan os.Signal) {
	select {
	case sig := <-appStop:
		log.Infof(ctx, "Received %s. Shutting down", sig.String())
	case <-ctx.Done():
		log.Infof(ctx, "Context done. Shutting down")
	}
}

func openBackend(ctx context.Context, conf config.Storage) (storage.Backend, error) {
	switch conf.Backend {
	case config.BackendBolt:
		ctx, cancel := context.WithTimeout(ctx, conf.OpenTimeout)
		defer cancel()
		return boltdb.Open(ctx, conf.Path, nil)
	case config.BackendSqlite:
		ctx, cancel := context.WithTimeout(ctx, conf.OpenTimeout)
		defer cancel()
		return sqlite.Open(ctx, conf.Path)
	case config.BackendMemory:
		return inmemory.NewStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Backend)
	}
}

func idGenerator(nodeID int64) (*snowflake.Node, error) {
	if nodeID < 0 {
		return storage.CreateSnowflakeIdGenerator(), nil
	}
	node, err := storage.NewSnowflakeIdGenerator(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator for node %d: %w", nodeID, err)
	}
	return node, nil
}

// publishModels publishes every *.yaml file in dir. Models whose uuid is already known are
// published as a new version.
// publishModels publishes every model file in dir. A file becomes a new version of the stored
// model with its uuid, or with its name if the file declares no uuid, unless the nodes are unchanged.
func publishModels(ctx context.Context, zenEngine *engine.Engine, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, file := range files {
		b, err := readModelFile(file)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
		m, err := b.Build()
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
		latest, found, err := storedModel(ctx, zenEngine, m, b.HasUUID())
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", file, err)
		}
		var h handle.Handle[model.ProcessModel]
		switch {
		case !found:
			h, err = zenEngine.AddProcessModel(ctx, systemPrincipal, m)
		case latest.SameGraph(m):
			log.Debugf(ctx, "Process model %s from %s is unchanged, keeping version %d", m.Name, file, latest.Version)
			continue
		default:
			m.UUID = latest.UUID
			h, err = zenEngine.UpdateProcessModel(ctx, systemPrincipal, m)
		}
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", file, err)
		}
		log.Infof(ctx, "Published process model %s from %s as %s", m.Name, file, h)
	}
	return nil
}

// storedModel returns the latest stored version of m, looked up by uuid or by name.
func storedModel(ctx context.Context, zenEngine *engine.Engine, m model.ProcessModel, byUUID bool) (model.ProcessModel, bool, error) {
	if byUUID {
		latest, err := zenEngine.GetProcessModelWithUUID(ctx, systemPrincipal, m.UUID)
		if errors.Is(err, storage.ErrNotFound) {
			return model.ProcessModel{}, false, nil
		}
		return latest, err == nil, err
	}
	models, err := zenEngine.ProcessModels(ctx, systemPrincipal)
	if err != nil {
		return model.ProcessModel{}, false, err
	}
	var latest model.ProcessModel
	found := false
	for _, stored := range models {
		if stored.Name == m.Name && (!found || stored.Version > latest.Version) {
			latest, found = stored, true
		}
	}
	return latest, found, nil
}

type nodeStatus struct {
	Name    string             `json:"name"`
	Profile config.ProfileType `json:"profile"`
	Backend string             `json:"backend"`
	Models  int                `json:"models"`
}

func status(ctx context.Context, zenEngine *engine.Engine, conf config.Config) (nodeStatus, error) {
	models, err := zenEngine.ProcessModels(ctx, systemPrincipal)
	if err != nil {
		return nodeStatus{}, err
	}
	return nodeStatus{
		Name:    zenEngine.Name(),
		Profile: conf.Profile,
		Backend: conf.Storage.Backend,
		Models:  len(models),
	}, nil
}
