package monitoring

import (
	"context"
	"sync"
	"time"
)

// HealthChecker runs named dependency checks. Readiness probes run every check
// live; the background loop only watches for transitions.
type HealthChecker struct {
	mu       sync.RWMutex
	checks   []HealthCheck
	healthy  map[string]bool
	onChange func(name string, healthy bool, err error)
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{healthy: make(map[string]bool)}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout})
}

// OnChange is called from the background loop whenever a check flips. The first
// result of every check counts as a change.
func (h *HealthChecker) OnChange(fn func(name string, healthy bool, err error)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]string, len(checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := run(ctx, check)
			detail := "healthy"
			if !ok {
				detail = "check failed"
				if err != nil {
					detail = err.Error()
				}
			}
			mu.Lock()
			status.Checks[check.Name] = detail
			if !ok {
				status.Status = "unhealthy"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}

func run(ctx context.Context, check HealthCheck) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	ok, err := check.Check(ctx)
	return ok && err == nil, err
}

// StartBackgroundChecks polls every check on its interval until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.watch(ctx, check)
	}
}

func (h *HealthChecker) watch(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		ok, err := run(ctx, check)
		if ctx.Err() != nil {
			return
		}
		h.record(check.Name, ok, err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthChecker) record(name string, ok bool, err error) {
	h.mu.Lock()
	prev, seen := h.healthy[name]
	h.healthy[name] = ok
	fn := h.onChange
	h.mu.Unlock()
	if fn != nil && (!seen || prev != ok) {
		fn(name, ok, err)
	}
}
