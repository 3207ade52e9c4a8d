package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
	"github.com/qcarchive/fractalgo/pkg/fn"
	"github.com/qcarchive/fractalgo/pkg/resilience"
)

// WorkflowManagerConfig configures the workflow-manager (fireworks-like)
// adapter: a pollable external launchpad reached over HTTP.
type WorkflowManagerConfig struct {
	BaseURL    string
	Client     *http.Client
	PollRate   rate.Limit // polls per second allowed against the launchpad
	PollBurst  int
	Breaker    resilience.BreakerOpts
	Retry      fn.RetryOpts
}

type wfSubmitRequest struct {
	QueueID string          `json:"queue_id"`
	Spec    domain.TaskSpec `json:"spec"`
}

type wfCompletion struct {
	QueueID string               `json:"queue_id"`
	Payload domain.ResultPayload `json:"payload"`
}

// WorkflowManagerAdapter submits tasks to an external launchpad over HTTP
// and polls it for completions, rate-limited against the launchpad's own
// capacity, the poll-driven backend analogous to the original's fireworks
// queue adapter (examples/fireworks_server).
type WorkflowManagerAdapter struct {
	cfg     WorkflowManagerConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker

	mu      sync.Mutex
	pending map[string]pendingTask
	done    map[string]Completion
}

// NewWorkflowManagerAdapter constructs the adapter; BaseURL is required.
func NewWorkflowManagerAdapter(cfg WorkflowManagerConfig) (*WorkflowManagerAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, domain.NewConfigError("workflow_manager.base_url", "", fmt.Errorf("base url required"))
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := cfg.PollRate
	if limit <= 0 {
		limit = 2
	}
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fn.DefaultRetry
	}
	return &WorkflowManagerAdapter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewBreaker(cfg.Breaker),
		pending: make(map[string]pendingTask),
		done:    make(map[string]Completion),
	}, nil
}

func (a *WorkflowManagerAdapter) Submit(ctx context.Context, tasks []store.QueuedTask) error {
	for _, t := range tasks {
		body, err := json.Marshal(wfSubmitRequest{QueueID: t.QueueID, Spec: t.Spec})
		if err != nil {
			return err
		}
		result := resilience.CallResult(a.breaker, ctx, func(ctx context.Context) fn.Result[struct{}] {
			return fn.Retry(ctx, a.cfg.Retry, func(ctx context.Context) fn.Result[struct{}] {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/launches", bytes.NewReader(body))
				if err != nil {
					return fn.Err[struct{}](err)
				}
				req.Header.Set("Content-Type", "application/json")
				resp, err := a.client.Do(req)
				if err != nil {
					return fn.Err[struct{}](err)
				}
				defer resp.Body.Close()
				if resp.StatusCode >= 300 {
					return fn.Errf[struct{}]("launchpad returned status %d", resp.StatusCode)
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

// AcquireComplete polls the launchpad once for newly finished launches,
// folds them into the internal done buffer alongside anything AwaitResults
// already collected, and drains that buffer to the caller.
func (a *WorkflowManagerAdapter) AcquireComplete(ctx context.Context) (map[string]Completion, error) {
	if err := a.poll(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.done
	a.done = make(map[string]Completion)
	return out, nil
}

// poll asks the launchpad, once, which of the currently pending launches
// have finished, rate-limited so repeated nanny harvest cycles never
// exceed what the launchpad can sustain. Finished launches move from
// pending into the done buffer without being returned to the caller —
// AcquireComplete alone drains that buffer, mirroring the original's
// separation between await_results (wait) and update (harvest).
func (a *WorkflowManagerAdapter) poll(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	result := resilience.CallResult(a.breaker, ctx, func(ctx context.Context) fn.Result[[]wfCompletion] {
		return fn.Retry(ctx, a.cfg.Retry, func(ctx context.Context) fn.Result[[]wfCompletion] {
			return a.pollOnce(ctx, ids)
		})
	})
	if result.IsErr() {
		_, err := result.Unwrap()
		return fmt.Errorf("backend: poll launchpad: %w", err)
	}
	completions, _ := result.Unwrap()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range completions {
		pt, ok := a.pending[c.QueueID]
		if !ok {
			continue
		}
		delete(a.pending, c.QueueID)
		a.done[c.QueueID] = Completion{QueueID: c.QueueID, Payload: c.Payload, Parser: pt.parser, Hooks: pt.hooks}
	}
	return nil
}

func (a *WorkflowManagerAdapter) pollOnce(ctx context.Context, ids []string) fn.Result[[]wfCompletion] {
	body, err := json.Marshal(ids)
	if err != nil {
		return fn.Err[[]wfCompletion](err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/launches/completed", bytes.NewReader(body))
	if err != nil {
		return fn.Err[[]wfCompletion](err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fn.Err[[]wfCompletion](err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fn.Errf[[]wfCompletion]("launchpad returned status %d", resp.StatusCode)
	}
	var completions []wfCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completions); err != nil {
		return fn.Err[[]wfCompletion](err)
	}
	return fn.Ok(completions)
}

func (a *WorkflowManagerAdapter) TaskCount(_ context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending), nil
}

func (a *WorkflowManagerAdapter) ListTasks(_ context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	return out, nil
}

// AwaitResults polls the launchpad until every submitted launch has
// completed, for synchronous test/small-launch use.
func (a *WorkflowManagerAdapter) AwaitResults(ctx context.Context) error {
	for {
		a.mu.Lock()
		remaining := len(a.pending)
		a.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if err := a.poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
