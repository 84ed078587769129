// Package rotator implements the rotation state machine: the
// orchestration core that flips the config file to the standby slot,
// refreshes and validates the fleet, then rotates the now-idle slot and
// the admin account, with rollback when validation fails before any
// secret mutation has occurred. The overall sequence of steps and its
// early-return error propagation follows a single rotation handler's
// shape, generalized from one Secrets-Manager rotation call into the
// multi-authority sequence this engine requires.
package rotator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openemr/creds-rotator/internal/configfile"
	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/drift"
	"github.com/openemr/creds-rotator/internal/healthvalidator"
	"github.com/openemr/creds-rotator/internal/password"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/rotatelog"
	"github.com/openemr/creds-rotator/internal/secretstore"
	"github.com/openemr/creds-rotator/internal/servicerefresher"
)

// State names a step of the state machine, used only for logging.
type State string

const (
	StateStart        State = "START"
	StateReconciled    State = "RECONCILED"
	StateFlipped       State = "FLIPPED"
	StateRefreshed     State = "REFRESHED"
	StateValidated     State = "VALIDATED"
	StateOldRotated    State = "OLD_ROTATED"
	StateFinalized     State = "FINALIZED"
	StateAdminRotated  State = "ADMIN_ROTATED"
	StateDone          State = "DONE"
	StateRollback      State = "ROLLBACK"
	StateFailed        State = "FAILED"
)

// Config wires a Rotator to its collaborators and run parameters.
type Config struct {
	Store         *secretstore.Store
	Admin         *dbadmin.Admin
	ConfigFile    *configfile.File
	Refresher     *servicerefresher.Refresher
	Validator     *healthvalidator.Validator
	Reconciler    *drift.Reconciler
	SlotSecretID  string
	AdminSecretID string
	HealthcheckURL string
	WaitTimeout   time.Duration
	DryRun        bool
}

// Rotator is the state-machine orchestration component.
type Rotator struct {
	cfg   Config
	runID string
}

// New creates a Rotator. A fresh correlation ID is generated for the run,
// used only in logs; it is never persisted anywhere.
func New(cfg Config) *Rotator {
	return &Rotator{cfg: cfg, runID: uuid.NewString()}
}

// Outcome summarizes how a run ended.
type Outcome struct {
	FinalActiveSlot secretstore.Slot
	FailedStep      State
	RolledBack      bool
}

func (r *Rotator) log() zerolog.Logger {
	return rotatelog.WithComponent("rotator").With().Str("run_id", r.runID).Logger()
}

// Run executes the full state machine. On any fatal error it returns a
// non-nil error; Outcome.FailedStep and Outcome.RolledBack describe where
// it stopped.
func (r *Rotator) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()

	reconcileStart := time.Now()
	result, err := r.cfg.Reconciler.Reconcile(ctx)
	if err != nil {
		r.transition(StateStart, StateReconciled, "", "", time.Since(reconcileStart), err)
		return Outcome{FailedStep: StateReconciled}, fmt.Errorf("rotator: reconcile: %w", err)
	}
	slotSecret := result.SlotSecret
	activeCur := slotSecret.ActiveSlot
	standby := activeCur.Other()
	r.transition(StateStart, StateReconciled, activeCur, activeCur, time.Since(reconcileStart), nil)

	// FLIPPED
	flipStart := time.Now()
	if err := r.flip(ctx, standby, slotSecret); err != nil {
		r.transition(StateReconciled, StateFlipped, activeCur, standby, time.Since(flipStart), err)
		return Outcome{FailedStep: StateFlipped}, fmt.Errorf("rotator: flip: %w", err)
	}
	r.transition(StateReconciled, StateFlipped, activeCur, standby, time.Since(flipStart), nil)

	// REFRESHED
	refreshStart := time.Now()
	if err := r.refresh(ctx); err != nil {
		r.transition(StateFlipped, StateRefreshed, activeCur, standby, time.Since(refreshStart), err)
		return r.rollback(ctx, activeCur, standby, StateFlipped)
	}
	r.transition(StateFlipped, StateRefreshed, activeCur, standby, time.Since(refreshStart), nil)

	// VALIDATED
	validateStart := time.Now()
	if err := r.validate(ctx, slotSecret.Credentials(standby)); err != nil {
		r.transition(StateRefreshed, StateValidated, activeCur, standby, time.Since(validateStart), err)
		return r.rollback(ctx, activeCur, standby, StateRefreshed)
	}
	r.transition(StateRefreshed, StateValidated, activeCur, standby, time.Since(validateStart), nil)

	// OLD_ROTATED
	oldRotateStart := time.Now()
	slotSecret, err = r.rotateOldSlot(ctx, slotSecret, activeCur)
	if err != nil {
		r.transition(StateValidated, StateOldRotated, activeCur, standby, time.Since(oldRotateStart), err)
		return Outcome{FailedStep: StateOldRotated}, fmt.Errorf("rotator: rotate old slot: %w", err)
	}
	r.transition(StateValidated, StateOldRotated, activeCur, standby, time.Since(oldRotateStart), nil)

	// FINALIZED
	finalizeStart := time.Now()
	slotSecret, err = r.finalize(ctx, slotSecret, standby)
	if err != nil {
		r.transition(StateOldRotated, StateFinalized, activeCur, standby, time.Since(finalizeStart), err)
		return Outcome{FailedStep: StateFinalized}, fmt.Errorf("rotator: finalize: %w", err)
	}
	r.transition(StateOldRotated, StateFinalized, activeCur, standby, time.Since(finalizeStart), nil)

	// ADMIN_ROTATED
	adminRotateStart := time.Now()
	if err := r.rotateAdmin(ctx); err != nil {
		r.transition(StateFinalized, StateAdminRotated, standby, standby, time.Since(adminRotateStart), err)
		return Outcome{FinalActiveSlot: standby, FailedStep: StateAdminRotated}, fmt.Errorf("rotator: rotate admin: %w", err)
	}
	r.transition(StateFinalized, StateAdminRotated, standby, standby, time.Since(adminRotateStart), nil)

	r.transition(StateAdminRotated, StateDone, standby, standby, time.Since(start), nil)
	return Outcome{FinalActiveSlot: standby}, nil
}

func (r *Rotator) flip(ctx context.Context, standby secretstore.Slot, slotSecret secretstore.SlotSecret) error {
	if r.cfg.DryRun {
		return nil
	}
	m, err := r.cfg.ConfigFile.Read()
	if err != nil {
		return err
	}
	creds := slotSecret.Credentials(standby)
	configfile.SetSlotCredentials(m, creds.Username, creds.Password, creds.Host, creds.Port, creds.DBName)
	return r.cfg.ConfigFile.Write(m)
}

func (r *Rotator) refresh(ctx context.Context) error {
	if r.cfg.DryRun {
		return nil
	}
	handle, err := r.cfg.Refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	return r.cfg.Refresher.WaitStable(ctx, handle, r.cfg.WaitTimeout)
}

// validate runs its DB and HTTP probes even in dry-run: both are read-only,
// and dry-run's whole purpose is to verify wiring in a new environment,
// which requires these checks to actually execute.
func (r *Rotator) validate(ctx context.Context, standbyCreds secretstore.SlotCredentials) error {
	if err := r.cfg.Validator.ValidateDBAs(ctx, standbyCreds); err != nil {
		return err
	}
	return r.cfg.Validator.ValidateApp(ctx, r.cfg.HealthcheckURL)
}

func (r *Rotator) rotateOldSlot(ctx context.Context, slotSecret secretstore.SlotSecret, oldSlot secretstore.Slot) (secretstore.SlotSecret, error) {
	oldCreds := slotSecret.Credentials(oldSlot)
	if r.cfg.DryRun {
		return slotSecret, nil
	}

	newPW, err := password.Generate()
	if err != nil {
		return slotSecret, err
	}

	adminSecret, err := r.cfg.Store.GetAdminSecret(ctx, r.cfg.AdminSecretID)
	if err != nil {
		return slotSecret, err
	}

	if err := r.cfg.Admin.EnsureSlotUser(ctx, adminSecret, oldCreds.Username, newPW, oldCreds.DBName); err != nil {
		return slotSecret, err
	}
	if !r.cfg.Admin.ProbeSlot(ctx, oldCreds.Username, newPW, oldCreds.Host, oldCreds.Port) {
		return slotSecret, &rotateerrors.ValidationFailedError{
			Probe: "db:" + oldCreds.Username,
			Err:   fmt.Errorf("freshly rotated password did not authenticate"),
		}
	}

	oldCreds.Password = newPW
	updated := slotSecret.WithCredentials(oldSlot, oldCreds)
	if err := r.cfg.Store.PutSlotSecret(ctx, r.cfg.SlotSecretID, updated); err != nil {
		return slotSecret, err
	}
	return updated, nil
}

func (r *Rotator) finalize(ctx context.Context, slotSecret secretstore.SlotSecret, newActive secretstore.Slot) (secretstore.SlotSecret, error) {
	if r.cfg.DryRun {
		return slotSecret, nil
	}

	updated := slotSecret.WithActiveSlot(newActive)
	if err := r.cfg.Store.PutSlotSecret(ctx, r.cfg.SlotSecretID, updated); err != nil {
		return slotSecret, err
	}
	if err := r.cfg.ConfigFile.RemoveBackup(); err != nil {
		return updated, err
	}
	return updated, nil
}

func (r *Rotator) rotateAdmin(ctx context.Context) error {
	if r.cfg.DryRun {
		return nil
	}

	adminSecret, err := r.cfg.Store.GetAdminSecret(ctx, r.cfg.AdminSecretID)
	if err != nil {
		return err
	}

	newPW, err := password.Generate()
	if err != nil {
		return err
	}

	if err := r.cfg.Admin.RotateAdmin(ctx, adminSecret, newPW); err != nil {
		return err
	}

	adminSecret.Password = newPW
	return r.cfg.Store.PutAdminSecret(ctx, r.cfg.AdminSecretID, adminSecret)
}

// rollback restores the config file to its pre-flip contents, refreshes
// the fleet again, and validates recovery. It is only reachable from
// FLIPPED or REFRESHED, before any secret mutation has occurred.
func (r *Rotator) rollback(ctx context.Context, activeCur, standby secretstore.Slot, from State) (Outcome, error) {
	rollbackStart := time.Now()
	r.transition(from, StateRollback, activeCur, activeCur, 0, nil)

	if r.cfg.DryRun {
		r.transition(StateRollback, StateFailed, activeCur, activeCur, time.Since(rollbackStart), nil)
		return Outcome{FailedStep: from, RolledBack: true}, fmt.Errorf("rotator: dry-run validation failure at %s", from)
	}

	restoreErr := r.cfg.ConfigFile.RestoreFromBackup()
	var refreshErr, validateErr error
	if restoreErr == nil {
		if handle, err := r.cfg.Refresher.Refresh(ctx); err == nil {
			refreshErr = r.cfg.Refresher.WaitStable(ctx, handle, r.cfg.WaitTimeout)
		} else {
			refreshErr = err
		}
	}

	// validate recovery against the original active slot's credentials.
	if restoreErr == nil && refreshErr == nil {
		slotSecret, err := r.cfg.Store.GetSlotSecret(ctx, r.cfg.SlotSecretID)
		if err == nil {
			validateErr = r.cfg.Validator.ValidateDBAs(ctx, slotSecret.Credentials(activeCur))
		} else {
			validateErr = err
		}
	}

	r.transition(StateRollback, StateFailed, activeCur, activeCur, time.Since(rollbackStart), firstNonNil(restoreErr, refreshErr, validateErr))

	if restoreErr != nil {
		return Outcome{FailedStep: from, RolledBack: false}, fmt.Errorf("rotator: rollback: restoring config file: %w", restoreErr)
	}
	if refreshErr != nil {
		return Outcome{FailedStep: from, RolledBack: true}, fmt.Errorf("rotator: rollback: re-refreshing after restore: %w", refreshErr)
	}
	if validateErr != nil {
		return Outcome{FailedStep: from, RolledBack: true}, fmt.Errorf("rotator: rollback: validating recovery: %w", validateErr)
	}
	return Outcome{FinalActiveSlot: activeCur, FailedStep: from, RolledBack: true}, fmt.Errorf("rotator: validation failed at %s, rolled back to slot %s", from, activeCur)
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// transition emits one structured record per state transition: event,
// slot_from, slot_to, duration_ms, run_id, dry_run, and (on failure) the
// outcome error.
func (r *Rotator) transition(from, to State, slotFrom, slotTo secretstore.Slot, d time.Duration, err error) {
	log := r.log()
	var ev *zerolog.Event
	if err != nil {
		ev = log.Warn()
	} else {
		ev = log.Info()
	}
	ev = ev.Str("event", "state_transition").
		Str("from", string(from)).
		Str("to", string(to)).
		Str("slot_from", string(slotFrom)).
		Str("slot_to", string(slotTo)).
		Int64("duration_ms", d.Milliseconds()).
		Bool("dry_run", r.cfg.DryRun)
	if err != nil {
		ev.Err(err).Msg("state transition failed")
		return
	}
	ev.Msg("state transition")
}
