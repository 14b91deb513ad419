package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConcurrencyConfig bounds how many syncs run at once in this process
type ConcurrencyConfig struct {
	MaxConcurrentPerTenant int           // syncs across all of a tenant's marketplaces
	QueueTimeout           time.Duration // max wait for a slot before the job is retried
}

// DefaultConcurrencyConfig returns production defaults
func DefaultConcurrencyConfig() *ConcurrencyConfig {
	return &ConcurrencyConfig{
		MaxConcurrentPerTenant: 3,
		QueueTimeout:           30 * time.Second,
	}
}

// TenantSemaphore keeps one tenant from occupying every worker. The
// integration claim already guarantees one sync per integration; this caps
// the tenant as a whole.
type TenantSemaphore struct {
	mu         sync.Mutex
	sems       map[string]chan struct{}
	activeJobs map[string]int
	config     *ConcurrencyConfig
}

// NewTenantSemaphore creates a new tenant semaphore
func NewTenantSemaphore(config *ConcurrencyConfig) *TenantSemaphore {
	if config == nil {
		config = DefaultConcurrencyConfig()
	}
	if config.MaxConcurrentPerTenant < 1 {
		config.MaxConcurrentPerTenant = 1
	}
	return &TenantSemaphore{
		sems:       make(map[string]chan struct{}),
		activeJobs: make(map[string]int),
		config:     config,
	}
}

func (ts *TenantSemaphore) semFor(tenantID string) chan struct{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if sem, ok := ts.sems[tenantID]; ok {
		return sem
	}
	sem := make(chan struct{}, ts.config.MaxConcurrentPerTenant)
	ts.sems[tenantID] = sem
	return sem
}

// Acquire waits for a tenant slot. The returned release function must be
// called exactly once.
func (ts *TenantSemaphore) Acquire(ctx context.Context, tenantID string) (func(), error) {
	waitCtx := ctx
	if ts.config.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, ts.config.QueueTimeout)
		defer cancel()
	}

	sem := ts.semFor(tenantID)
	select {
	case sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("timeout waiting for tenant concurrency slot: tenant=%s", tenantID)
	}

	ts.mu.Lock()
	ts.activeJobs[tenantID]++
	ts.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ts.mu.Lock()
			ts.activeJobs[tenantID]--
			ts.mu.Unlock()
			<-sem
		})
	}, nil
}

// ActiveJobs returns the number of running syncs for a tenant
func (ts *TenantSemaphore) ActiveJobs(tenantID string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.activeJobs[tenantID]
}
