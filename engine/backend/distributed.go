package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
	"github.com/qcarchive/fractalgo/pkg/fn"
	"github.com/qcarchive/fractalgo/pkg/natsutil"
	"github.com/qcarchive/fractalgo/pkg/resilience"
)

// DistributedConfig configures the distributed-worker (dask-like) adapter.
type DistributedConfig struct {
	Conn            *nats.Conn
	SubmitSubject   string
	CompleteSubject string
	// HealthAddr, when set, is a gRPC address probed with the standard
	// health-checking protocol to decide whether the worker pool is alive.
	HealthAddr string
	Breaker    resilience.BreakerOpts
	Retry      fn.RetryOpts
}

// taskEnvelope is what crosses NATS to a worker for one queue row.
type taskEnvelope struct {
	QueueID string          `json:"queue_id"`
	Spec    domain.TaskSpec `json:"spec"`
}

// completionEnvelope is what a worker publishes back on completion.
type completionEnvelope struct {
	QueueID string                `json:"queue_id"`
	Payload domain.ResultPayload  `json:"payload"`
}

// DistributedAdapter submits tasks over NATS to a pool of external compute
// workers and collects their completions asynchronously, the futures-style
// backend analogous to the original's dask queue adapter.
type DistributedAdapter struct {
	cfg DistributedConfig

	healthConn *grpc.ClientConn
	health     grpc_health_v1.HealthClient

	breaker *resilience.Breaker

	mu      sync.Mutex
	pending map[string]pendingTask // queue_id -> parser/hooks metadata
	done    map[string]Completion  // queue_id -> completion, drained by AcquireComplete
}

type pendingTask struct {
	parser string
	hooks  []domain.Hook
}

// NewDistributedAdapter wires a NATS completion subscriber and, if
// HealthAddr is set, a gRPC health-check client used by AwaitResults to
// decide whether it is still worth waiting on the worker pool.
func NewDistributedAdapter(cfg DistributedConfig) (*DistributedAdapter, error) {
	if cfg.Conn == nil {
		return nil, domain.NewConfigError("distributed.conn", "", fmt.Errorf("nats connection required"))
	}
	if cfg.SubmitSubject == "" || cfg.CompleteSubject == "" {
		return nil, domain.NewConfigError("distributed.subjects", "", fmt.Errorf("submit and complete subjects required"))
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fn.DefaultRetry
	}

	a := &DistributedAdapter{
		cfg:     cfg,
		breaker: resilience.NewBreaker(cfg.Breaker),
		pending: make(map[string]pendingTask),
		done:    make(map[string]Completion),
	}

	if cfg.HealthAddr != "" {
		conn, err := grpc.NewClient(cfg.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("backend: dial worker health endpoint %s: %w", cfg.HealthAddr, err)
		}
		a.healthConn = conn
		a.health = grpc_health_v1.NewHealthClient(conn)
	}

	if _, err := natsutil.Subscribe(cfg.Conn, cfg.CompleteSubject, a.onComplete); err != nil {
		return nil, fmt.Errorf("backend: subscribe %s: %w", cfg.CompleteSubject, err)
	}

	return a, nil
}

func (a *DistributedAdapter) onComplete(_ context.Context, env completionEnvelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pt, ok := a.pending[env.QueueID]
	if !ok {
		return
	}
	delete(a.pending, env.QueueID)
	a.done[env.QueueID] = Completion{
		QueueID: env.QueueID,
		Payload: env.Payload,
		Parser:  pt.parser,
		Hooks:   pt.hooks,
	}
}

func (a *DistributedAdapter) Submit(ctx context.Context, tasks []store.QueuedTask) error {
	for _, t := range tasks {
		t := t
		result := resilience.CallResult(a.breaker, ctx, func(ctx context.Context) fn.Result[struct{}] {
			return fn.Retry(ctx, a.cfg.Retry, func(ctx context.Context) fn.Result[struct{}] {
				err := natsutil.Publish(ctx, a.cfg.Conn, a.cfg.SubmitSubject, taskEnvelope{
					QueueID: t.QueueID,
					Spec:    t.Spec,
				})
				if err != nil {
					return fn.Err[struct{}](err)
				}
				return fn.Ok(struct{}{})
			})
		})
		if result.IsErr() {
			_, err := result.Unwrap()
			return fmt.Errorf("backend: submit %s: %w", t.QueueID, err)
		}

		a.mu.Lock()
		a.pending[t.QueueID] = pendingTask{parser: t.Parser, hooks: t.Hooks}
		a.mu.Unlock()
	}
	return nil
}

func (a *DistributedAdapter) AcquireComplete(_ context.Context) (map[string]Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.done
	a.done = make(map[string]Completion)
	return out, nil
}

func (a *DistributedAdapter) TaskCount(_ context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending), nil
}

func (a *DistributedAdapter) ListTasks(_ context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	return out, nil
}

// AwaitResults polls until every submitted task has a completion, checking
// the worker pool's gRPC health between polls so a dead pool fails fast
// instead of spinning until a caller's context deadline.
func (a *DistributedAdapter) AwaitResults(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		remaining := len(a.pending)
		a.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		if err := a.checkHealth(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *DistributedAdapter) checkHealth(ctx context.Context) error {
	if a.health == nil {
		return nil
	}
	resp, err := a.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("worker pool health status: %s", resp.GetStatus())
	}
	return nil
}

// Close releases the gRPC health connection, if one was configured.
func (a *DistributedAdapter) Close() error {
	if a.healthConn != nil {
		return a.healthConn.Close()
	}
	return nil
}
