package engine

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type EngineOption = func(*Engine)

// CacheSizes bounds the caches in front of the handle maps. A size of 0 disables the cache.
type CacheSizes struct {
	Models        int
	Instances     int
	NodeInstances int
}

func DefaultCacheSizes() CacheSizes {
	return CacheSizes{
		Models:        64,
		Instances:     1024,
		NodeInstances: 4096,
	}
}

// WithName sets the name of the engine, used for logging and tracing
func WithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// WithStorage sets the database the engine persists models and instances in.
// Defaults to an in-memory database.
func WithStorage(db *storage.DB) EngineOption {
	return func(engine *Engine) {
		engine.db = db
	}
}

func WithSecurity(provider security.Provider) EngineOption {
	return func(engine *Engine) {
		engine.security = provider
	}
}

func WithMessageService(service MessageService) EngineOption {
	return func(engine *Engine) {
		engine.messages = service
	}
}

func WithContextFactory(factory ProcessContextFactory) EngineOption {
	return func(engine *Engine) {
		engine.contexts = factory
	}
}

func WithCacheSizes(sizes CacheSizes) EngineOption {
	return func(engine *Engine) {
		engine.cacheSizes = sizes
	}
}

// WithTickleQueueSize sets the capacity of the tickle request channel.
func WithTickleQueueSize(size int) EngineOption {
	return func(engine *Engine) {
		engine.tickleQueueSize = size
	}
}

// WithCancelAllConcurrency limits how many instances CancelAll cancels in parallel.
func WithCancelAllConcurrency(limit int) EngineOption {
	return func(engine *Engine) {
		engine.cancelAllConcurrency = limit
	}
}

func WithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithMeter(meter metric.Meter) EngineOption {
	return func(engine *Engine) {
		engine.meter = meter
	}
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}
