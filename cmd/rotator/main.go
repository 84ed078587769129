// Command rotator is the single entrypoint for the dual-slot credential
// rotation engine: drift reconciliation, the full rotation state machine,
// and two maintenance-only short-circuits (--sync-db-users and
// --fix-permissions).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/openemr/creds-rotator/internal/config"
	"github.com/openemr/creds-rotator/internal/configfile"
	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/drift"
	"github.com/openemr/creds-rotator/internal/healthvalidator"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/rotatelog"
	"github.com/openemr/creds-rotator/internal/rotator"
	"github.com/openemr/creds-rotator/internal/secretstore"
	"github.com/openemr/creds-rotator/internal/servicerefresher"
)

var (
	dryRun      bool
	logJSON     bool
	syncDBUsers bool
	fixPerms    bool
)

func main() {
	root := &cobra.Command{
		Use:           "rotator",
		Short:         "Dual-slot database credential rotation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().BoolVar(&dryRun, "dry-run", false, "run the full algorithm but suppress every mutation")
	root.Flags().BoolVar(&logJSON, "log-json", false, "emit one JSON object per log line instead of console output")
	root.Flags().BoolVar(&syncDBUsers, "sync-db-users", false, "run only drift reconciliation, then exit")
	root.Flags().BoolVar(&fixPerms, "fix-permissions", false, "fix the config file's owner/mode, then exit")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &rotateerrors.UsageError{Msg: err.Error()}
	})

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	rotatelog.Init(rotatelog.Config{JSON: logJSON})
	log := rotatelog.WithComponent("cli")

	cfg, err := config.FromEnv(nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsSession, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return &rotateerrors.TransientIOError{Op: "aws_session", Err: err}
	}

	store := secretstore.New(secretsmanager.New(awsSession))
	cfgFile := configfile.New(cfg.ConfigFilePath, cfg.AppUID, cfg.AppGID)

	if fixPerms {
		if err := cfgFile.FixPermissions(); err != nil {
			return err
		}
		log.Info().Str("event", "fix_permissions_complete").Str("path", cfg.ConfigFilePath).Msg("config file permissions fixed")
		return nil
	}

	admin := dbadmin.New(dbadmin.Config{UseTLS: true, DryRun: dryRun})
	reconciler := drift.New(store, admin, cfgFile, cfg.SlotSecretID, cfg.AdminSecretID, dryRun)

	if syncDBUsers {
		result, err := reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("event", "sync_db_users_complete").Int("repairs", len(result.Repairs)).Strs("detail", result.Repairs).Msg("drift reconciliation complete")
		return nil
	}

	refresher := servicerefresher.New(ecs.New(awsSession), cfg.ECSCluster, cfg.ECSService)
	validator := healthvalidator.New(admin, cfg.HTTPProbeTimeout())

	rot := rotator.New(rotator.Config{
		Store:          store,
		Admin:          admin,
		ConfigFile:     cfgFile,
		Refresher:      refresher,
		Validator:      validator,
		Reconciler:     reconciler,
		SlotSecretID:   cfg.SlotSecretID,
		AdminSecretID:  cfg.AdminSecretID,
		HealthcheckURL: cfg.HealthcheckURL,
		WaitTimeout:    cfg.ECSWaitTimeout(),
		DryRun:         dryRun,
	})

	outcome, err := rot.Run(ctx)
	if err != nil {
		log.Error().Str("event", "rotation_failed").Str("failed_step", string(outcome.FailedStep)).Bool("rolled_back", outcome.RolledBack).Err(err).Msg("rotation run failed")
		return err
	}

	log.Info().Str("event", "rotation_complete").Str("final_active_slot", string(outcome.FinalActiveSlot)).Bool("dry_run", dryRun).Msg("rotation run succeeded")
	return nil
}

// exitCode maps the error taxonomy to the CLI's exit-code contract:
// UsageError exits 2 before any side effect, every other fatal error
// exits 1, success exits 0.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *rotateerrors.UsageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}
