// Package selfheal watches applied proposals for performance degradation and
// rolls them back when the damage crosses the configured cutoff. Every
// application is backed up before its files change, so rollback restores
// exact original bytes.
package selfheal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"darwin/internal/logging"
	"darwin/internal/ratelimit"
	"darwin/internal/store"
	"darwin/internal/types"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS AND CONFIGURATION
// =============================================================================

var (
	// ErrApplicationNotFound is returned for unknown application ids.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrAlreadyRolledBack is returned when an application was already
	// restored; rolled-back is terminal.
	ErrAlreadyRolledBack = errors.New("application already rolled back")

	// ErrRollbackRateLimited is returned when an automatic rollback is
	// blocked by the daily limit. Manual rollbacks never see it.
	ErrRollbackRateLimited = errors.New("rollback rate limited")
)

// rollbackStateKey scopes the rollback limiter's persisted state.
const rollbackStateKey = "rollback"

// Config holds the monitor's tuning knobs. SeverityRollbackCutoff separates
// "roll back now" from "keep monitoring"; its default of 50 is a tunable,
// not a constant.
type Config struct {
	MinTasksForEvaluation  int        `yaml:"min_tasks_for_evaluation" json:"min_tasks_for_evaluation"`
	Thresholds             Thresholds `yaml:"thresholds" json:"thresholds"`
	MaxDailyRollbacks      int        `yaml:"max_daily_rollbacks" json:"max_daily_rollbacks"`
	SeverityRollbackCutoff float64    `yaml:"severity_rollback_cutoff" json:"severity_rollback_cutoff"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MinTasksForEvaluation: 5,
		Thresholds: Thresholds{
			SuccessRateDropPercent:  10,
			CostIncreasePercent:     30,
			DurationIncreasePercent: 50,
		},
		MaxDailyRollbacks:      3,
		SeverityRollbackCutoff: 50,
	}
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor tracks applied proposals. It assumes single-writer access to its
// persisted state; one process owns self-healing decisions at a time.
type Monitor struct {
	mu         sync.RWMutex
	st         *store.Store
	backupRoot string
	cfg        Config
	apps       map[string]*types.ApplicationRecord
	rbState    ratelimit.State
}

// NewMonitor creates a monitor rooted at backupRoot. A nil store keeps all
// state in memory for the process lifetime; with a store, previously
// persisted applications and limiter state are loaded back.
func NewMonitor(st *store.Store, backupRoot string, cfg Config) (*Monitor, error) {
	if err := os.MkdirAll(backupRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup root: %w", err)
	}
	m := &Monitor{
		st:         st,
		backupRoot: backupRoot,
		cfg:        cfg,
		apps:       make(map[string]*types.ApplicationRecord),
	}
	if st != nil {
		records, err := st.ListApplications()
		if err != nil {
			return nil, fmt.Errorf("loading applications: %w", err)
		}
		for _, rec := range records {
			m.apps[rec.ID] = rec
		}
		state, err := st.LoadRateLimitState(rollbackStateKey)
		if err != nil {
			return nil, fmt.Errorf("loading rollback limiter state: %w", err)
		}
		m.rbState = state
	}
	return m, nil
}

// Applications returns a snapshot of every tracked application.
func (m *Monitor) Applications() []*types.ApplicationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ApplicationRecord, 0, len(m.apps))
	for _, rec := range m.apps {
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordApplication backs up every listed file and persists a monitoring
// record. Any unreadable source file aborts the whole call; partially
// written backups are removed so no record ever references a missing backup.
func (m *Monitor) RecordApplication(proposalID, proposalDir string, filePaths []string, before types.PerformanceMetrics) (*types.ApplicationRecord, error) {
	id := uuid.New().String()
	backupDir := filepath.Join(m.backupRoot, id)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	backups := make(map[string]string, len(filePaths))
	for i, src := range filePaths {
		data, err := os.ReadFile(src)
		if err != nil {
			os.RemoveAll(backupDir)
			return nil, fmt.Errorf("backing up %s: %w", src, err)
		}
		dst := filepath.Join(backupDir, fmt.Sprintf("%03d_%s", i, filepath.Base(src)))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			os.RemoveAll(backupDir)
			return nil, fmt.Errorf("writing backup for %s: %w", src, err)
		}
		backups[src] = dst
	}

	record := &types.ApplicationRecord{
		ID:            id,
		ProposalID:    proposalID,
		ProposalDir:   proposalDir,
		BackupPaths:   backups,
		BeforeMetrics: before,
		Status:        types.ApplicationMonitoring,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.apps[id] = record
	m.mu.Unlock()

	if err := m.persistApplication(record); err != nil {
		return nil, err
	}
	logging.SelfHeal("Monitoring application %s (proposal %s, %d files backed up)", id, proposalID, len(backups))
	return record, nil
}

// UpdateMetrics attaches or overwrites the post-application snapshot.
// No evaluation happens here.
func (m *Monitor) UpdateMetrics(applicationID string, after types.PerformanceMetrics) error {
	m.mu.Lock()
	record, ok := m.apps[applicationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	record.AfterMetrics = &after
	m.mu.Unlock()

	return m.persistApplication(record)
}

// EvaluateApplication scores the application's metric delta. A nil result
// with a nil error means insufficient data, not health.
func (m *Monitor) EvaluateApplication(applicationID string) (*DegradationResult, error) {
	m.mu.RLock()
	record, ok := m.apps[applicationID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	if record.AfterMetrics == nil || record.AfterMetrics.TaskCount < m.cfg.MinTasksForEvaluation {
		return nil, nil
	}

	result := DetectDegradation(record.BeforeMetrics, *record.AfterMetrics, m.cfg)
	if result.Degraded {
		logging.SelfHealWarn("Application %s degraded: severity %.1f, recommendation %s",
			applicationID, result.Severity, result.Recommendation)
	}
	return result, nil
}

// CheckRollbackRateLimit reports whether an automatic rollback may start now.
func (m *Monitor) CheckRollbackRateLimit(now time.Time) ratelimit.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rollbackLimiter().Check(m.rbState, now)
}

func (m *Monitor) rollbackLimiter() ratelimit.Limiter {
	return ratelimit.Limiter{MaxDaily: m.cfg.MaxDailyRollbacks}
}

// Rollback restores every backed-up file and terminates monitoring for the
// application. Automatic rollbacks consult the daily limiter; manual ones
// always bypass it.
func (m *Monitor) Rollback(applicationID, reason string, automatic bool, trigger string) (*types.RollbackAction, error) {
	now := time.Now()

	m.mu.Lock()
	record, ok := m.apps[applicationID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	if record.RolledBack {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, applicationID)
	}
	if automatic {
		if decision := m.rollbackLimiter().Check(m.rbState, now); !decision.Allowed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrRollbackRateLimited, decision.Reason)
		}
	}

	originals := make([]string, 0, len(record.BackupPaths))
	for orig := range record.BackupPaths {
		originals = append(originals, orig)
	}
	sort.Strings(originals)
	m.mu.Unlock()

	var restored []string
	for _, orig := range originals {
		data, err := os.ReadFile(record.BackupPaths[orig])
		if err != nil {
			m.logRollback(record, "failure", restored, reason, automatic, trigger, now)
			return nil, fmt.Errorf("reading backup for %s: %w", orig, err)
		}
		if err := os.WriteFile(orig, data, 0o644); err != nil {
			m.logRollback(record, "failure", restored, reason, automatic, trigger, now)
			return nil, fmt.Errorf("restoring %s: %w", orig, err)
		}
		restored = append(restored, orig)
	}

	m.mu.Lock()
	record.Status = types.ApplicationRolledBack
	record.RolledBack = true
	if automatic {
		m.rollbackLimiter().Update(&m.rbState, reason, now)
	}
	state := m.rbState
	m.mu.Unlock()

	if err := m.persistApplication(record); err != nil {
		return nil, err
	}
	if automatic && m.st != nil {
		if err := m.st.SaveRateLimitState(rollbackStateKey, state); err != nil {
			return nil, fmt.Errorf("saving rollback limiter state: %w", err)
		}
	}

	action := m.logRollback(record, "success", restored, reason, automatic, trigger, now)
	logging.SelfHeal("Rolled back application %s (%d files, automatic=%t)", applicationID, len(restored), automatic)
	return action, nil
}

// logRollback appends one entry to the append-only rollback log.
func (m *Monitor) logRollback(record *types.ApplicationRecord, result string, restored []string, reason string, automatic bool, trigger string, now time.Time) *types.RollbackAction {
	action := &types.RollbackAction{
		ApplicationID: record.ID,
		Result:        result,
		RestoredFiles: restored,
		Reason:        reason,
		Automatic:     automatic,
		Trigger:       trigger,
		Timestamp:     now,
	}
	if m.st != nil {
		if err := m.st.AppendRollbackAction(action); err != nil {
			logging.SelfHealError("Persisting rollback action for %s failed: %v", record.ID, err)
		}
	}
	return action
}

func (m *Monitor) persistApplication(record *types.ApplicationRecord) error {
	if m.st == nil {
		return nil
	}
	if err := m.st.SaveApplication(record); err != nil {
		return fmt.Errorf("persisting application %s: %w", record.ID, err)
	}
	return nil
}
