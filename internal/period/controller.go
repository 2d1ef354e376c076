package period

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/principal"
)

// Controller drives the period and lock state machines.
type Controller struct {
	store  Store
	recon  ReconciliationChecker
	logger *zap.Logger
	now    func() time.Time
}

// NewController builds a period controller. recon may be nil, in which case
// hard close skips the reconciliation-complete requirement (test setups).
func NewController(store Store, recon ReconciliationChecker, logger *zap.Logger) *Controller {
	return &Controller{store: store, recon: recon, logger: logger, now: time.Now}
}

// WithClock injects a clock for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// EnsurePeriods auto-opens the DAILY, MONTHLY and YEARLY periods covering ts
// and returns them. Existing periods are returned as-is, whatever their
// status.
func (c *Controller) EnsurePeriods(ctx context.Context, tenant string, ts time.Time) ([]Period, error) {
	types := []Type{TypeDaily, TypeMonthly, TypeYearly}
	periods := make([]Period, 0, len(types))
	for _, typ := range types {
		p, err := c.store.FindPeriod(ctx, tenant, typ, ts)
		if err != nil {
			return nil, fmt.Errorf("find %s period: %w", typ, err)
		}
		if p == nil {
			opened := newPeriod(tenant, typ, ts)
			if err := c.store.CreatePeriod(ctx, opened); err != nil {
				return nil, fmt.Errorf("open %s period: %w", typ, err)
			}
			c.logger.Info("opened accounting period",
				zap.String("tenant", tenant),
				zap.String("period_type", string(typ)),
				zap.Time("start", opened.Start),
				zap.Time("end", opened.End))
			p = &opened
		}
		periods = append(periods, *p)
	}
	return periods, nil
}

// SoftClose flips an OPEN period to SOFT_CLOSED. Requires finance admin.
func (c *Controller) SoftClose(ctx context.Context, periodID string, actor principal.Principal, notes string) error {
	if !actor.IsFinanceAdmin() {
		return errs.ErrInsufficientOverridePrivileges(string(actor.Role))
	}
	p, err := c.store.GetPeriod(ctx, periodID)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.ErrValidation("period " + periodID + " not found")
	}
	if p.Status != StatusOpen {
		return errs.ErrValidation("period " + periodID + " is " + string(p.Status) + ", only OPEN periods can be soft closed")
	}
	p.Status = StatusSoftClosed
	p.ClosedBy = actor.ActorID
	p.ClosedAt = c.now()
	p.ClosureNotes = notes
	if err := c.store.UpdatePeriod(ctx, *p); err != nil {
		return err
	}
	c.logger.Info("period soft closed",
		zap.String("period_id", periodID),
		zap.String("tenant", p.Tenant),
		zap.String("actor", actor.ActorID))
	return nil
}

// HardClose flips a SOFT_CLOSED period to HARD_CLOSED and synchronously
// creates the PERIOD_LOCK covering its range. Requires finance admin and a
// completed reconciliation for the period.
func (c *Controller) HardClose(ctx context.Context, periodID string, actor principal.Principal, notes string) error {
	if !actor.IsFinanceAdmin() {
		return errs.ErrInsufficientOverridePrivileges(string(actor.Role))
	}
	p, err := c.store.GetPeriod(ctx, periodID)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.ErrValidation("period " + periodID + " not found")
	}
	if p.Status != StatusSoftClosed {
		return errs.ErrValidation("period " + periodID + " is " + string(p.Status) + ", only SOFT_CLOSED periods can be hard closed")
	}
	if c.recon != nil {
		done, err := c.recon.ReconciliationComplete(ctx, p.Tenant, p.Start, p.End)
		if err != nil {
			return fmt.Errorf("check reconciliation for period %s: %w", periodID, err)
		}
		if !done {
			return errs.ErrValidation("period " + periodID + " has no completed reconciliation, hard close refused")
		}
	}

	p.Status = StatusHardClosed
	p.ClosedBy = actor.ActorID
	p.ClosedAt = c.now()
	if notes != "" {
		p.ClosureNotes = notes
	}
	if err := c.store.UpdatePeriod(ctx, *p); err != nil {
		return err
	}

	lock := Lock{
		ID:        uuid.NewString(),
		Tenant:    p.Tenant,
		Type:      LockPeriod,
		Start:     p.Start,
		End:       p.End,
		Status:    LockActive,
		Reason:    "period hard close",
		Reference: p.ID,
		LockedBy:  actor.ActorID,
		LockedAt:  c.now(),
	}
	if err := c.store.CreateLock(ctx, lock); err != nil {
		return fmt.Errorf("create period lock for %s: %w", periodID, err)
	}
	c.logger.Info("period hard closed",
		zap.String("period_id", periodID),
		zap.String("tenant", p.Tenant),
		zap.String("lock_id", lock.ID),
		zap.String("actor", actor.ActorID))
	return nil
}

// ApplyLockRequest carries the inputs of ApplyLock.
type ApplyLockRequest struct {
	Tenant    string
	Type      LockType
	Start     time.Time
	End       time.Time
	Reason    string
	Reference string
}

// ApplyLock creates an ACTIVE lock, rejecting overlap with an ACTIVE lock
// of the same type. PERIOD_LOCKs are system-created on hard close only.
func (c *Controller) ApplyLock(ctx context.Context, req ApplyLockRequest, actor principal.Principal) (*Lock, error) {
	if req.Type == LockPeriod && actor.Role != principal.RoleSystem {
		return nil, errs.ErrValidation("PERIOD_LOCK is system-created on hard close and cannot be applied manually")
	}
	if !actor.IsFinanceAdmin() && actor.Role != principal.RoleSystem {
		return nil, errs.ErrInsufficientOverridePrivileges(string(actor.Role))
	}
	if !req.End.After(req.Start) {
		return nil, errs.ErrValidation("lock range end must be after start")
	}
	lock := Lock{
		ID:        uuid.NewString(),
		Tenant:    req.Tenant,
		Type:      req.Type,
		Start:     req.Start,
		End:       req.End,
		Status:    LockActive,
		Reason:    req.Reason,
		Reference: req.Reference,
		LockedBy:  actor.ActorID,
		LockedAt:  c.now(),
	}
	if err := c.store.CreateLock(ctx, lock); err != nil {
		return nil, err
	}
	c.logger.Info("ledger lock applied",
		zap.String("lock_id", lock.ID),
		zap.String("tenant", req.Tenant),
		zap.String("lock_type", string(req.Type)),
		zap.String("actor", actor.ActorID))
	return &lock, nil
}

// ReleaseLock releases an ACTIVE lock. PERIOD_LOCK releases are rejected
// outright; other types require finance admin.
func (c *Controller) ReleaseLock(ctx context.Context, lockID string, actor principal.Principal, notes string) error {
	l, err := c.store.GetLock(ctx, lockID)
	if err != nil {
		return err
	}
	if l == nil {
		return errs.ErrValidation("lock " + lockID + " not found")
	}
	if l.Type == LockPeriod {
		return errs.ErrValidation("PERIOD_LOCK cannot be released")
	}
	if !actor.IsFinanceAdmin() {
		return errs.ErrInsufficientOverridePrivileges(string(actor.Role))
	}
	if l.Status != LockActive {
		return errs.ErrValidation("lock " + lockID + " is already released")
	}
	l.Status = LockReleased
	l.ReleasedBy = actor.ActorID
	l.ReleasedAt = c.now()
	l.Notes = notes
	if err := c.store.UpdateLock(ctx, *l); err != nil {
		return err
	}
	c.logger.Info("ledger lock released",
		zap.String("lock_id", lockID),
		zap.String("tenant", l.Tenant),
		zap.String("actor", actor.ActorID))
	return nil
}

// lock restrictiveness order for CheckLockStatus.
var lockRank = map[LockType]int{
	LockPeriod:         3,
	LockAudit:          2,
	LockReconciliation: 1,
}

// CheckLockStatus returns the most restrictive ACTIVE lock covering ts, or
// nil when the date is unlocked.
func (c *Controller) CheckLockStatus(ctx context.Context, tenant string, ts time.Time) (*Lock, error) {
	locks, err := c.store.ActiveLocks(ctx, tenant, ts)
	if err != nil {
		return nil, err
	}
	var most *Lock
	for i := range locks {
		if most == nil || lockRank[locks[i].Type] > lockRank[most.Type] {
			most = &locks[i]
		}
	}
	return most, nil
}

// PostingCheck is the combined period and lock gate the ledger consults.
type PostingCheck struct {
	Periods          []Period
	PostingAllowed   bool
	OverrideRequired bool
	Locked           bool
	LockInfo         *Lock
	ErrorMessage     string
}

// CheckPeriodForPosting combines both state machines for a posting date.
// Missing periods are auto-opened.
func (c *Controller) CheckPeriodForPosting(ctx context.Context, tenant string, ts time.Time) (PostingCheck, error) {
	periods, err := c.EnsurePeriods(ctx, tenant, ts)
	if err != nil {
		return PostingCheck{}, err
	}

	check := PostingCheck{Periods: periods, PostingAllowed: true}
	for _, p := range periods {
		switch p.Status {
		case StatusHardClosed:
			check.PostingAllowed = false
			check.ErrorMessage = "period " + p.ID + " is hard closed"
			return check, nil
		case StatusSoftClosed:
			check.OverrideRequired = true
		}
	}

	lock, err := c.CheckLockStatus(ctx, tenant, ts)
	if err != nil {
		return PostingCheck{}, err
	}
	if lock != nil {
		check.Locked = true
		check.LockInfo = lock
		check.PostingAllowed = false
		check.ErrorMessage = "date is covered by an active " + string(lock.Type)
	}
	return check, nil
}
