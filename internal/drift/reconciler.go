// Package drift reconciles disagreement between the authorities a
// rotation run depends on: the secret store, the live DB users, and the
// shared config file. The running fleet is not inspected here. It runs
// before the Rotator's main algorithm on every invocation
// so the Rotator can assume its canonical invariant already holds.
package drift

import (
	"context"
	"fmt"

	"github.com/openemr/creds-rotator/internal/configfile"
	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/rotatelog"
	"github.com/openemr/creds-rotator/internal/secretstore"
)

// Reconciler is the DriftReconciler component.
type Reconciler struct {
	store         *secretstore.Store
	admin         *dbadmin.Admin
	cfgFile       *configfile.File
	slotSecretID  string
	adminSecretID string
	// dryRun, if true, suppresses SecretStore puts (DatabaseAdmin mutation
	// is controlled separately by the Admin's own Config.DryRun) -- the
	// reconciler still detects and logs drift, it just doesn't persist
	// repairs.
	dryRun bool
}

// New creates a Reconciler. dryRun suppresses the secret-store writes that
// would otherwise persist repairs (drift is still detected and logged).
func New(store *secretstore.Store, admin *dbadmin.Admin, cfgFile *configfile.File, slotSecretID, adminSecretID string, dryRun bool) *Reconciler {
	return &Reconciler{
		store:         store,
		admin:         admin,
		cfgFile:       cfgFile,
		slotSecretID:  slotSecretID,
		adminSecretID: adminSecretID,
		dryRun:        dryRun,
	}
}

// Result reports what Reconcile observed and repaired, for logging and for
// the Rotator to pick up the now-canonical SlotSecret.
type Result struct {
	SlotSecret secretstore.SlotSecret
	Repairs    []string // human-readable description of each repair made
}

// Reconcile runs its four repair steps in order, each only acting if
// prior steps did not already resolve the relevant state. It is itself
// idempotent: re-running it with no external changes produces no writes.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	log := rotatelog.WithComponent("drift")
	var repairs []string

	admin, err := r.store.GetAdminSecret(ctx, r.adminSecretID)
	if err != nil {
		return Result{}, err
	}
	slotSecret, err := r.store.GetSlotSecret(ctx, r.slotSecretID)
	if err != nil {
		return Result{}, err
	}

	// Step 1: admin-password drift.
	if !r.admin.ProbeSlot(ctx, admin.Username, admin.Password, admin.Host, "") {
		log.Warn().Str("event", "drift_detected").Str("kind", "admin_password").Msg("admin secret password does not authenticate")

		adopted := false
		for _, slot := range []secretstore.Slot{secretstore.SlotA, secretstore.SlotB} {
			candidate := slotSecret.Credentials(slot).Password
			if candidate == "" {
				continue
			}
			if r.admin.ProbeSlot(ctx, admin.Username, candidate, admin.Host, "") {
				admin.Password = candidate
				if !r.dryRun {
					if err := r.store.PutAdminSecret(ctx, r.adminSecretID, admin); err != nil {
						return Result{}, err
					}
				}
				repairs = append(repairs, fmt.Sprintf("adopted slot %s password for admin secret", slot))
				log.Info().Str("event", "drift_repaired").Str("kind", "admin_password").Str("adopted_from_slot", string(slot)).Bool("dry_run", r.dryRun).Msg("admin secret updated")
				adopted = true
				break
			}
		}
		if !adopted {
			return Result{}, &rotateerrors.AdminCredentialsLostError{Username: admin.Username}
		}
	}

	// Step 2: slot-user bootstrap.
	for _, slot := range []secretstore.Slot{secretstore.SlotA, secretstore.SlotB} {
		creds := slotSecret.Credentials(slot)
		exists, err := r.admin.SlotUserExists(ctx, admin, creds.Username)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			log.Warn().Str("event", "drift_detected").Str("kind", "missing_slot_user").Str("slot", string(slot)).Msg("slot DB user does not exist")
			if err := r.admin.EnsureSlotUser(ctx, admin, creds.Username, creds.Password, creds.DBName); err != nil {
				return Result{}, err
			}
			repairs = append(repairs, fmt.Sprintf("created slot %s DB user", slot))
			log.Info().Str("event", "drift_repaired").Str("kind", "missing_slot_user").Str("slot", string(slot)).Msg("slot DB user created")
		}
	}

	// Step 3: slot-password drift.
	for _, slot := range []secretstore.Slot{secretstore.SlotA, secretstore.SlotB} {
		creds := slotSecret.Credentials(slot)
		if r.admin.ProbeSlot(ctx, creds.Username, creds.Password, creds.Host, creds.Port) {
			continue
		}
		log.Warn().Str("event", "drift_detected").Str("kind", "slot_password").Str("slot", string(slot)).Msg("secret's stored password does not authenticate the slot user")
		if err := r.admin.EnsureSlotUser(ctx, admin, creds.Username, creds.Password, creds.DBName); err != nil {
			return Result{}, err
		}
		repairs = append(repairs, fmt.Sprintf("realigned slot %s DB password to secret", slot))
		log.Info().Str("event", "drift_repaired").Str("kind", "slot_password").Str("slot", string(slot)).Msg("DB password realigned to secret")
	}

	// Step 4: active-slot drift.
	cfg, err := r.cfgFile.Read()
	if err != nil {
		return Result{}, err
	}
	fileUser, _ := cfg.Get("user")
	fileSlot := slotForUsername(slotSecret, fileUser)
	if fileSlot != "" && fileSlot != slotSecret.ActiveSlot {
		log.Warn().Str("event", "drift_detected").Str("kind", "active_slot").Str("secret_active_slot", string(slotSecret.ActiveSlot)).Str("file_slot", string(fileSlot)).Msg("active_slot disagrees with config file")
		slotSecret = slotSecret.WithActiveSlot(fileSlot)
		if !r.dryRun {
			if err := r.store.PutSlotSecret(ctx, r.slotSecretID, slotSecret); err != nil {
				return Result{}, err
			}
		}
		repairs = append(repairs, fmt.Sprintf("aligned active_slot to config file (%s)", fileSlot))
		log.Info().Str("event", "drift_repaired").Str("kind", "active_slot").Str("active_slot", string(fileSlot)).Bool("dry_run", r.dryRun).Msg("active_slot updated to match config file")
	}

	return Result{SlotSecret: slotSecret, Repairs: repairs}, nil
}

// slotForUsername returns the slot whose stored username matches
// username, or "" if neither matches (e.g. file not yet written by this
// engine).
func slotForUsername(doc secretstore.SlotSecret, username string) secretstore.Slot {
	if username == "" {
		return ""
	}
	if doc.Credentials(secretstore.SlotA).Username == username {
		return secretstore.SlotA
	}
	if doc.Credentials(secretstore.SlotB).Username == username {
		return secretstore.SlotB
	}
	return ""
}
