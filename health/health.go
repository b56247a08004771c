// Package health reports whether a courier node can move messages: broker
// connection, shared queue backlog, runtime figures and the state of each
// listener's consumer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Checker is a single health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a new function-based checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Node identifies the queues a node owns and the listeners it was asked to run.
type Node struct {
	SharedQueue    string   `json:"sharedQueue"`
	UniqueQueue    string   `json:"uniqueQueue"`
	BroadcastQueue string   `json:"broadcastQueue,omitempty"`
	Listeners      []string `json:"listeners"`
}

// ConsumerState is the consumer behind one listener.
type ConsumerState struct {
	Sender  string `json:"sender"`
	Queue   string `json:"queue"`
	Running bool   `json:"running"`
}

// Report is the outcome of one Registry.Check.
type Report struct {
	Status    Status          `json:"status"`
	Node      Node            `json:"node"`
	Consumers []ConsumerState `json:"consumers"`
	Checks    []CheckResult   `json:"checks"`
	CheckedAt time.Time       `json:"checkedAt"`
	Duration  time.Duration   `json:"duration"`
}

// Check returns the named check result, if present.
func (r Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

type trackedConsumer struct {
	sender contracts.SenderType
	queue  string
	done   <-chan struct{}
}

// Registry holds the checks and consumers of one node.
type Registry struct {
	mu        sync.RWMutex
	node      Node
	checkers  []Checker
	consumers []trackedConsumer
}

// NewRegistry creates a registry for node.
func NewRegistry(node Node) *Registry {
	return &Registry{node: node}
}

// Register adds checker, replacing one with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checkers {
		if c.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

// Unregister removes the checker with name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checkers {
		if c.Name() == name {
			r.checkers = append(r.checkers[:i], r.checkers[i+1:]...)
			return
		}
	}
}

// Track records the consumer serving sender. done is closed when the
// consumer stops; a nil done never does.
func (r *Registry) Track(sender contracts.SenderType, queue string, done <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, trackedConsumer{sender: sender, queue: queue, done: done})
	if sender == contracts.Multi {
		r.node.BroadcastQueue = queue
	}
}

// Untrack forgets every consumer, after the node stopped listening.
func (r *Registry) Untrack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = nil
	r.node.BroadcastQueue = ""
}

// Check runs every checker concurrently and folds in the consumer states.
// Checkers still running when ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	node := r.node
	node.Listeners = append([]string(nil), r.node.Listeners...)
	checkers := append([]Checker(nil), r.checkers...)
	consumers := append([]trackedConsumer(nil), r.consumers...)
	r.mu.RUnlock()

	results := runAll(ctx, checkers, start)
	states, consumerResult := consumerHealth(node, consumers)
	results = append(results, consumerResult)
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	status := StatusHealthy
	for _, res := range results {
		status = worst(status, res.Status)
	}

	return Report{
		Status:    status,
		Node:      node,
		Consumers: states,
		Checks:    results,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func runAll(ctx context.Context, checkers []Checker, start time.Time) []CheckResult {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  = make([]CheckResult, len(checkers))
		finished = make([]bool, len(checkers))
	)
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			res := checker.Check(ctx)
			if res.Name == "" {
				res.Name = checker.Name()
			}
			mu.Lock()
			defer mu.Unlock()
			if !finished[i] {
				results[i] = res
				finished[i] = true
			}
		}(i, checker)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	for i, checker := range checkers {
		if finished[i] {
			continue
		}
		finished[i] = true
		results[i] = CheckResult{
			Name:     checker.Name(),
			Status:   StatusUnhealthy,
			Message:  "Check timed out",
			Duration: time.Since(start),
			Error:    ctx.Err().Error(),
		}
	}
	return append([]CheckResult(nil), results...)
}

// consumerHealth is degraded until every configured listener has a
// consumer and unhealthy once any consumer stopped on its own.
func consumerHealth(node Node, consumers []trackedConsumer) ([]ConsumerState, CheckResult) {
	result := CheckResult{Name: "consumers", Status: StatusHealthy, Message: "Consumers are running"}
	states := make([]ConsumerState, 0, len(consumers))

	for _, c := range consumers {
		running := true
		select {
		case <-c.done:
			running = false
		default:
		}
		states = append(states, ConsumerState{Sender: c.sender.String(), Queue: c.queue, Running: running})
		if !running && result.Status != StatusUnhealthy {
			result.Status = StatusUnhealthy
			result.Message = "Consumer on " + c.queue + " stopped"
		}
	}

	if result.Status == StatusHealthy && len(consumers) < len(node.Listeners) {
		result.Status = StatusDegraded
		if len(consumers) == 0 {
			result.Message = "Node not started"
		} else {
			result.Message = "Some listeners have no consumer"
		}
	}
	return states, result
}

// Handler serves the registry as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a health HTTP handler; each request gets timeout to
// finish every check.
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP answers 200 unless the node is unhealthy, then 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
