// Package batch contains the orchestration core: the run tracker, durable
// run history, progress events, the orchestrator itself, and the
// onboarding driver.
package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Source identifies what triggered a run. Observability only; semantics
// never depend on it.
type Source string

const (
	SourceScheduler  Source = "scheduler"
	SourceAdmin      Source = "admin"
	SourceOnboarding Source = "onboarding"
	SourceManual     Source = "manual"
)

// ScopeKind selects between the whole universe and one portfolio.
type ScopeKind string

const (
	ScopeUniverse        ScopeKind = "universe"
	ScopeSinglePortfolio ScopeKind = "single_portfolio"
)

// Scope is the target of a run.
type Scope struct {
	Kind        ScopeKind
	PortfolioID string // set when Kind == ScopeSinglePortfolio
}

// UniverseScope targets all active portfolios.
func UniverseScope() Scope {
	return Scope{Kind: ScopeUniverse}
}

// PortfolioScope targets a single portfolio.
func PortfolioScope(id string) Scope {
	return Scope{Kind: ScopeSinglePortfolio, PortfolioID: id}
}

// RunStatus is the lifecycle state of a batch run. Terminal states never
// reopen.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusCancelled   RunStatus = "cancelled"
	StatusAutoExpired RunStatus = "auto_expired"
)

// Counters tracks per-engine outcomes for a run. Updated only after an
// engine's write transaction commits (or its skip/failure is final).
type Counters struct {
	mu        sync.Mutex
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (c *Counters) addSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Attempted++
	c.Succeeded++
}

func (c *Counters) addSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Attempted++
	c.Skipped++
}

func (c *Counters) addFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Attempted++
	c.Failed++
}

// Totals returns a copy safe for reading after the run finished.
func (c *Counters) Totals() (attempted, succeeded, skipped, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Attempted, c.Succeeded, c.Skipped, c.Failed
}

// RunSummary is what a caller gets back from a run.
type RunSummary struct {
	RunID          string
	Status         RunStatus
	DatesProcessed []time.Time
	Attempted      int
	Succeeded      int
	Skipped        int
	Failed         int
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Planning and gate errors. Calculation errors never surface here; they
// live in the run record.
var (
	ErrAlreadyRunning     = errors.New("a batch run is already active")
	ErrNoActivePortfolios = errors.New("no active portfolios")
)

// ScopeNotFoundError means the single-portfolio scope does not resolve to
// an active portfolio.
type ScopeNotFoundError struct {
	PortfolioID string
}

func (e *ScopeNotFoundError) Error() string {
	return fmt.Sprintf("portfolio %s not found or inactive", e.PortfolioID)
}
