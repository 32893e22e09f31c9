// Package reconcilejob runs periodic balance reconciliation sweeps over a
// configured set of tenants, logging drift and optionally repairing small
// discrepancies automatically.
package reconcilejob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule sweeps nightly, off-peak.
	DefaultSchedule  = "0 3 * * *"
	autoRepairReason = "scheduled reconciliation sweep: drift within auto-repair threshold"
)

// Config controls the sweep.
type Config struct {
	Schedule  string
	TenantIDs []string
	// AutoRepair re-syncs stored balances whose absolute drift does not
	// exceed AutoRepairThreshold. Larger drift is only reported; it needs a
	// human and an explicit repair call.
	AutoRepair          bool
	AutoRepairThreshold wallet.Amount
	SweepTimeout        time.Duration
}

// Job owns the cron runner.
type Job struct {
	cfg     Config
	service *wallet.Service
	logger  *zap.Logger
	runner  *cron.Cron
	tenants []wallet.TenantID
}

// New validates the tenant list and builds a Job. The cron entry is
// registered but not started.
func New(cfg Config, service *wallet.Service, logger *zap.Logger) (*Job, error) {
	if service == nil {
		return nil, errors.New("wallet service dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}

	tenants := make([]wallet.TenantID, 0, len(cfg.TenantIDs))
	for _, raw := range cfg.TenantIDs {
		tenantID, err := wallet.NewTenantID(raw)
		if err != nil {
			return nil, fmt.Errorf("reconcile tenant list: %w", err)
		}
		tenants = append(tenants, tenantID)
	}

	job := &Job{
		cfg:     cfg,
		service: service,
		logger:  logger,
		tenants: tenants,
	}
	job.runner = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := job.runner.AddFunc(cfg.Schedule, job.sweep); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", cfg.Schedule, err)
	}
	return job, nil
}

// Start launches the cron runner in its own goroutine.
func (job *Job) Start() {
	job.runner.Start()
	job.logger.Info("reconciliation sweep scheduled",
		zap.String("schedule", job.cfg.Schedule),
		zap.Int("tenants", len(job.tenants)),
	)
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (job *Job) Stop() {
	<-job.runner.Stop().Done()
}

func (job *Job) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), job.cfg.SweepTimeout)
	defer cancel()
	for _, tenantID := range job.tenants {
		job.sweepTenant(ctx, tenantID)
	}
}

// SweepTenant reconciles one tenant immediately, outside the schedule.
func (job *Job) SweepTenant(ctx context.Context, tenantID wallet.TenantID) {
	job.sweepTenant(ctx, tenantID)
}

func (job *Job) sweepTenant(ctx context.Context, tenantID wallet.TenantID) {
	report, err := job.service.ReconcileTenant(ctx, tenantID)
	if err != nil {
		job.logger.Error("reconciliation sweep failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	if report.AccountsWithDrift == 0 {
		job.logger.Info("reconciliation sweep clean",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("accounts_checked", report.AccountsChecked),
		)
		return
	}
	for _, discrepancy := range report.Discrepancies {
		job.logger.Warn("balance drift detected",
			zap.String("tenant_id", tenantID.String()),
			zap.String("account_id", discrepancy.AccountID.String()),
			zap.String("expected", discrepancy.ExpectedBalance.String()),
			zap.String("stored", discrepancy.StoredBalance.String()),
			zap.String("difference", discrepancy.Difference.String()),
		)
		if job.shouldAutoRepair(discrepancy) {
			if err := job.service.RepairAccountBalance(ctx, discrepancy.AccountID, autoRepairReason); err != nil {
				job.logger.Error("auto repair failed",
					zap.String("account_id", discrepancy.AccountID.String()),
					zap.Error(err),
				)
				continue
			}
			job.logger.Info("auto repaired drifted balance",
				zap.String("account_id", discrepancy.AccountID.String()),
				zap.String("difference", discrepancy.Difference.String()),
			)
		}
	}
}

func (job *Job) shouldAutoRepair(discrepancy wallet.Discrepancy) bool {
	if !job.cfg.AutoRepair {
		return false
	}
	return discrepancy.Difference.Abs().Cmp(job.cfg.AutoRepairThreshold) <= 0
}
