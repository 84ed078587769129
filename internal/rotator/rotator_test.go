package rotator_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/openemr/creds-rotator/internal/configfile"
	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/drift"
	"github.com/openemr/creds-rotator/internal/healthvalidator"
	"github.com/openemr/creds-rotator/internal/rotator"
	"github.com/openemr/creds-rotator/internal/secretstore"
	"github.com/openemr/creds-rotator/internal/servicerefresher"
)

// mockSecretsManager keeps documents in memory and moves AWSCURRENT to a
// new version on every Put, as Secrets Manager does, so a run that puts
// the same secret twice does not trip the store's conflict check.
type mockSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	docs     map[string]string
	versions map[string]int // puts per secret; current version is v<puts+1>
}

func newMockSecretsManager() *mockSecretsManager {
	return &mockSecretsManager{docs: map[string]string{}, versions: map[string]int{}}
}

func (m *mockSecretsManager) currentVersion(id string) string {
	return fmt.Sprintf("v%d", m.versions[id]+1)
}

func (m *mockSecretsManager) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	doc, ok := m.docs[*in.SecretId]
	if !ok {
		return nil, fmt.Errorf("no such secret %s", *in.SecretId)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(doc), VersionId: aws.String(m.currentVersion(*in.SecretId))}, nil
}

func (m *mockSecretsManager) PutSecretValue(in *secretsmanager.PutSecretValueInput) (*secretsmanager.PutSecretValueOutput, error) {
	m.docs[*in.SecretId] = *in.SecretString
	m.versions[*in.SecretId]++
	return &secretsmanager.PutSecretValueOutput{VersionId: aws.String(m.currentVersion(*in.SecretId))}, nil
}

func (m *mockSecretsManager) DescribeSecret(in *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
	return &secretsmanager.DescribeSecretOutput{
		VersionIdsToStages: map[string][]*string{m.currentVersion(*in.SecretId): {aws.String("AWSCURRENT")}},
	}, nil
}

type mockECS struct {
	ecsiface.ECSAPI
}

func (m *mockECS) UpdateService(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
	return &ecs.UpdateServiceOutput{
		Service: &ecs.Service{
			Deployments: []*ecs.Deployment{{Status: aws.String("PRIMARY"), Id: aws.String("dep-1")}},
		},
	}, nil
}

func (m *mockECS) DescribeServices(in *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
	return &ecs.DescribeServicesOutput{
		Services: []*ecs.Service{{
			RunningCount: aws.Int64(2),
			DesiredCount: aws.Int64(2),
			Deployments:  []*ecs.Deployment{{Status: aws.String("PRIMARY"), RolloutState: aws.String("COMPLETED")}},
		}},
	}, nil
}

func setupDB(t *testing.T) (secretstore.AdminSecret, *sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root@tcp(127.0.0.1:3306)/"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skip(err)
	}
	if err := db.Ping(); err != nil {
		t.Skip(err)
	}
	admin := secretstore.AdminSecret{Username: "root", Password: "", Host: "127.0.0.1"}
	return admin, db, func() { db.Close() }
}

// seedSlotUser provisions a slot's DB user directly over the admin
// connection, independent of dbadmin.Admin, so a harness can simulate an
// already-correctly-provisioned environment regardless of whether the
// Admin under test runs with DryRun set (which would otherwise leave
// EnsureSlotUser a no-op and the slot user nonexistent).
func seedSlotUser(t *testing.T, db *sql.DB, creds secretstore.SlotCredentials) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", creds.Username, creds.Password))
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", creds.Username, creds.Password))
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("GRANT ALL PRIVILEGES ON *.* TO '%s'@'%%'", creds.Username))
	require.NoError(t, err)
}

// harness bundles everything a test needs to build a Rotator over a
// seeded slot secret, admin secret, and config file.
type harness struct {
	sm      *mockSecretsManager
	store   *secretstore.Store
	dba     *dbadmin.Admin
	cfgFile *configfile.File
	cfgPath string
}

func buildHarness(t *testing.T, slotA, slotB secretstore.SlotCredentials, active secretstore.Slot, dryRun bool) harness {
	t.Helper()

	admin, db, cleanup := setupDB(t)
	t.Cleanup(cleanup)
	seedSlotUser(t, db, slotA)
	seedSlotUser(t, db, slotB)

	sm := newMockSecretsManager()
	adminJSON, _ := json.Marshal(admin)
	sm.docs["admin-secret"] = string(adminJSON)

	slotSecret := secretstore.SlotSecret{
		ActiveSlot: active,
		Slots: map[secretstore.Slot]secretstore.SlotCredentials{
			secretstore.SlotA: slotA,
			secretstore.SlotB: slotB,
		},
	}
	slotJSON, _ := json.Marshal(slotSecret)
	sm.docs["slot-secret"] = string(slotJSON)

	store := secretstore.New(sm)
	dba := dbadmin.New(dbadmin.Config{DryRun: dryRun})

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sqlconf.php")
	activeCreds := slotA
	if active == secretstore.SlotB {
		activeCreds = slotB
	}
	contents := fmt.Sprintf("$user = '%s';\n$host = '%s';\n$port = '%s';\n$dbname = '%s';\n$password = '%s';\n$login = '%s';\n",
		activeCreds.Username, activeCreds.Host, activeCreds.Port, activeCreds.DBName, activeCreds.Password, activeCreds.Username)
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0644))
	cfgFile := configfile.New(cfgPath, 0, 0)

	return harness{sm: sm, store: store, dba: dba, cfgFile: cfgFile, cfgPath: cfgPath}
}

func TestFullRotationFlipsActiveSlot(t *testing.T) {
	slotA := secretstore.SlotCredentials{Username: "openemr_rot_a", Password: "rotpassword1234567890ax", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	slotB := secretstore.SlotCredentials{Username: "openemr_rot_b", Password: "rotpassword1234567890bx", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	h := buildHarness(t, slotA, slotB, secretstore.SlotA, false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reconciler := drift.New(h.store, h.dba, h.cfgFile, "slot-secret", "admin-secret", false)
	refresher := servicerefresher.New(&mockECS{}, "cluster", "service")
	validator := healthvalidator.New(h.dba, 2*time.Second)

	rot := rotator.New(rotator.Config{
		Store:          h.store,
		Admin:          h.dba,
		ConfigFile:     h.cfgFile,
		Refresher:      refresher,
		Validator:      validator,
		Reconciler:     reconciler,
		SlotSecretID:   "slot-secret",
		AdminSecretID:  "admin-secret",
		HealthcheckURL: srv.URL,
		WaitTimeout:    2 * time.Second,
	})

	outcome, err := rot.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, secretstore.SlotB, outcome.FinalActiveSlot)

	contents, err := os.ReadFile(h.cfgPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "openemr_rot_b")

	var finalSecret secretstore.SlotSecret
	require.NoError(t, json.Unmarshal([]byte(h.sm.docs["slot-secret"]), &finalSecret))
	require.Equal(t, secretstore.SlotB, finalSecret.ActiveSlot)
	require.NotEqual(t, "rotpassword1234567890ax", finalSecret.Credentials(secretstore.SlotA).Password)

	var finalAdmin secretstore.AdminSecret
	require.NoError(t, json.Unmarshal([]byte(h.sm.docs["admin-secret"]), &finalAdmin))
	require.NotEqual(t, "", finalAdmin.Password)
}

func TestDryRunMakesNoMutations(t *testing.T) {
	slotA := secretstore.SlotCredentials{Username: "openemr_dry_a", Password: "drypassword1234567890ax", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	slotB := secretstore.SlotCredentials{Username: "openemr_dry_b", Password: "drypassword1234567890bx", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	h := buildHarness(t, slotA, slotB, secretstore.SlotA, true)

	beforeContents, err := os.ReadFile(h.cfgPath)
	require.NoError(t, err)
	beforeSlotDoc := h.sm.docs["slot-secret"]
	beforeAdminDoc := h.sm.docs["admin-secret"]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reconciler := drift.New(h.store, h.dba, h.cfgFile, "slot-secret", "admin-secret", true)
	refresher := servicerefresher.New(&mockECS{}, "cluster", "service")
	validator := healthvalidator.New(h.dba, 2*time.Second)

	rot := rotator.New(rotator.Config{
		Store:          h.store,
		Admin:          h.dba,
		ConfigFile:     h.cfgFile,
		Refresher:      refresher,
		Validator:      validator,
		Reconciler:     reconciler,
		SlotSecretID:   "slot-secret",
		AdminSecretID:  "admin-secret",
		HealthcheckURL: srv.URL,
		WaitTimeout:    2 * time.Second,
		DryRun:         true,
	})

	outcome, err := rot.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, secretstore.SlotB, outcome.FinalActiveSlot)

	afterContents, err := os.ReadFile(h.cfgPath)
	require.NoError(t, err)
	require.Equal(t, string(beforeContents), string(afterContents))
	require.Equal(t, beforeSlotDoc, h.sm.docs["slot-secret"])
	require.Equal(t, beforeAdminDoc, h.sm.docs["admin-secret"])
}

func TestValidationFailureRollsBack(t *testing.T) {
	slotA := secretstore.SlotCredentials{Username: "openemr_rb_a", Password: "rbpassword1234567890axy", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	slotB := secretstore.SlotCredentials{Username: "openemr_rb_b", Password: "rbpassword1234567890bxy", Host: "127.0.0.1", Port: "3306", DBName: "mysql"}
	h := buildHarness(t, slotA, slotB, secretstore.SlotA, false)

	originalContents, err := os.ReadFile(h.cfgPath)
	require.NoError(t, err)

	// App healthcheck always fails -> VALIDATED must roll back.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reconciler := drift.New(h.store, h.dba, h.cfgFile, "slot-secret", "admin-secret", false)
	refresher := servicerefresher.New(&mockECS{}, "cluster", "service")
	validator := healthvalidator.New(h.dba, 2*time.Second)

	rot := rotator.New(rotator.Config{
		Store:          h.store,
		Admin:          h.dba,
		ConfigFile:     h.cfgFile,
		Refresher:      refresher,
		Validator:      validator,
		Reconciler:     reconciler,
		SlotSecretID:   "slot-secret",
		AdminSecretID:  "admin-secret",
		HealthcheckURL: srv.URL,
		WaitTimeout:    2 * time.Second,
	})

	outcome, err := rot.Run(context.Background())
	require.Error(t, err)
	require.True(t, outcome.RolledBack)
	require.Equal(t, rotator.StateRefreshed, outcome.FailedStep)

	contents, err := os.ReadFile(h.cfgPath)
	require.NoError(t, err)
	require.Equal(t, string(originalContents), string(contents))

	var finalSecret secretstore.SlotSecret
	require.NoError(t, json.Unmarshal([]byte(h.sm.docs["slot-secret"]), &finalSecret))
	require.Equal(t, secretstore.SlotA, finalSecret.ActiveSlot)
}
