package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	alice = security.NewPrincipal("alice")
	bob   = security.NewPrincipal("bob")
	admin = security.NewPrincipal("admin")

	errUnavailable = errors.New("handler unavailable")
)

type recordingService struct {
	mu     sync.Mutex
	tasks  []Task
	fail   int
	onTask func(ctx context.Context, task Task) error
}

func (s *recordingService) LocalEndpoint() Endpoint {
	return Endpoint{Service: "test", Address: "local"}
}

func (s *recordingService) SendTask(ctx context.Context, task Task) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errUnavailable
	}
	s.tasks = append(s.tasks, task)
	handler := s.onTask
	s.mu.Unlock()
	if handler != nil {
		return handler(ctx, task)
	}
	return nil
}

func (s *recordingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *recordingService) task(t *testing.T, pi handle.Handle[runtime.ProcessInstance], nodeID string) Task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.tasks, func(task Task) bool {
		return task.ProcessInstance == pi && task.NodeID == nodeID
	})
	require.GreaterOrEqual(t, idx, 0, "no task for node %s dispatched", nodeID)
	return s.tasks[idx]
}

type recordingContexts struct {
	DefaultContextFactory
	mu         sync.Mutex
	finished   []runtime.ProcessInstance
	terminated []runtime.NodeInstance
}

func (c *recordingContexts) OnProcessFinished(_ context.Context, pi runtime.ProcessInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, pi)
}

func (c *recordingContexts) OnActivityTermination(_ context.Context, ni runtime.NodeInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, ni)
}

type testEngine struct {
	*Engine
	service  *recordingService
	contexts *recordingContexts
	reader   *sdkmetric.ManualReader
}

func newTestEngine(t *testing.T, options ...EngineOption) *testEngine {
	t.Helper()
	te := &testEngine{
		service:  &recordingService{},
		contexts: &recordingContexts{},
		reader:   sdkmetric.NewManualReader(),
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(te.reader))
	defaults := []EngineOption{
		WithName("test-engine"),
		WithMessageService(te.service),
		WithContextFactory(te.contexts),
		WithMeter(provider.Meter("test")),
		WithLogger(hclog.NewNullLogger()),
	}
	engine, err := NewEngine(append(defaults, options...)...)
	require.NoError(t, err)
	te.Engine = engine
	return te
}

func (te *testEngine) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, te.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// node returns the node instance of nodeID within instance pi.
func (te *testEngine) node(t *testing.T, pi handle.Handle[runtime.ProcessInstance], nodeID string) (runtime.NodeInstance, bool) {
	t.Helper()
	nodes, err := te.ProcessInstanceNodes(context.Background(), alice, pi)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return runtime.NodeInstance{}, false
}

func (te *testEngine) instance(t *testing.T, pi handle.Handle[runtime.ProcessInstance]) runtime.ProcessInstance {
	t.Helper()
	instance, err := te.GetProcessInstance(context.Background(), alice, pi)
	require.NoError(t, err)
	return instance
}

func (te *testEngine) finish(t *testing.T, pi handle.Handle[runtime.ProcessInstance], nodeID string, payload string) {
	t.Helper()
	task := te.service.task(t, pi, nodeID)
	_, err := te.FinishTask(context.Background(), alice, task.NodeInstance, []byte(payload))
	require.NoError(t, err)
}

func publish(t *testing.T, engine *Engine, b *model.Builder) handle.Handle[model.ProcessModel] {
	t.Helper()
	m, err := b.Build()
	require.NoError(t, err)
	h, err := engine.AddProcessModel(context.Background(), alice, m)
	require.NoError(t, err)
	return h
}

// loanModel is start -> ac1 -> split(ac2, ac3) -> join -> end.
func loanModel() *model.Builder {
	return model.NewBuilder("loan").
		Start("start").
		Activity("ac1", "start").
		Split("split", "ac1").
		Activity("ac2", "split").
		Activity("ac3", "split").
		Join("join", "ac2", "ac3").
		End("end", "join")
}

func singleTaskModel() *model.Builder {
	return model.NewBuilder("single").
		Start("start").
		Activity("work", "start").
		End("end", "work")
}

func start(t *testing.T, te *testEngine, mh handle.Handle[model.ProcessModel], payload string) handle.Handle[runtime.ProcessInstance] {
	t.Helper()
	pi, err := te.StartProcess(context.Background(), alice, mh, "test", uuid.Nil, handle.Invalid[runtime.NodeInstance](), []byte(payload))
	require.NoError(t, err)
	return pi
}

func TestNewEngineRejectsInvalidConfiguration(t *testing.T) {
	_, err := NewEngine(WithCancelAllConcurrency(0))
	var engineErr *EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestEngineStartStop(t *testing.T) {
	te := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	te.Start(ctx)
	mh := publish(t, te.Engine, singleTaskModel())
	pi := start(t, te, mh, "")
	te.finish(t, pi, "work", "")
	assert.Equal(t, runtime.InstanceStateFinished, te.instance(t, pi).State)
	te.Stop()
	cancel()

	// stopped engines keep working, tickles are drained by the caller
	pi = start(t, te, mh, "")
	require.NoError(t, te.TickleInstance(context.Background(), alice, pi))
	assert.Equal(t, runtime.InstanceStateStarted, te.instance(t, pi).State)
}
