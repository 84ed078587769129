package drift_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/openemr/creds-rotator/internal/configfile"
	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/drift"
	"github.com/openemr/creds-rotator/internal/secretstore"
)

// mockSecretsManager mirrors secretstore_test.go's mock idiom, with an
// in-memory document store so Get reflects prior Put calls.
type mockSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	docs map[string]string
}

func newMockSecretsManager() *mockSecretsManager {
	return &mockSecretsManager{docs: map[string]string{}}
}

func (m *mockSecretsManager) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	doc, ok := m.docs[*in.SecretId]
	if !ok {
		return nil, fmt.Errorf("no such secret %s", *in.SecretId)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(doc), VersionId: aws.String("v1")}, nil
}

func (m *mockSecretsManager) PutSecretValue(in *secretsmanager.PutSecretValueInput) (*secretsmanager.PutSecretValueOutput, error) {
	m.docs[*in.SecretId] = *in.SecretString
	return &secretsmanager.PutSecretValueOutput{VersionId: aws.String("v2")}, nil
}

func (m *mockSecretsManager) DescribeSecret(in *secretsmanager.DescribeSecretInput) (*secretsmanager.DescribeSecretOutput, error) {
	return &secretsmanager.DescribeSecretOutput{
		VersionIdsToStages: map[string][]*string{"v1": {aws.String("AWSCURRENT")}},
	}, nil
}

func setupDB(t *testing.T) (secretstore.AdminSecret, func()) {
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
	return admin, func() { db.Close() }
}

func TestReconcileBootstrapsMissingSlotUsers(t *testing.T) {
	admin, cleanup := setupDB(t)
	defer cleanup()

	sm := newMockSecretsManager()
	adminJSON, _ := json.Marshal(admin)
	sm.docs["admin-secret"] = string(adminJSON)

	slotSecret := secretstore.SlotSecret{
		ActiveSlot: secretstore.SlotA,
		Slots: map[secretstore.Slot]secretstore.SlotCredentials{
			secretstore.SlotA: {Username: "openemr_drift_a", Password: "driftpassword1234567890a", Host: "127.0.0.1", Port: "3306", DBName: "mysql"},
			secretstore.SlotB: {Username: "openemr_drift_b", Password: "driftpassword1234567890b", Host: "127.0.0.1", Port: "3306", DBName: "mysql"},
		},
	}
	slotJSON, _ := json.Marshal(slotSecret)
	sm.docs["slot-secret"] = string(slotJSON)

	store := secretstore.New(sm)
	dba := dbadmin.New(dbadmin.Config{})

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sqlconf.php")
	require.NoError(t, os.WriteFile(cfgPath, []byte("$user = 'openemr_drift_a';\n"), 0644))
	cfgFile := configfile.New(cfgPath, 0, 0)

	r := drift.New(store, dba, cfgFile, "slot-secret", "admin-secret", false)
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Repairs)

	require.True(t, dba.ProbeSlot(context.Background(), "openemr_drift_a", "driftpassword1234567890a", "127.0.0.1", "3306"))
	require.True(t, dba.ProbeSlot(context.Background(), "openemr_drift_b", "driftpassword1234567890b", "127.0.0.1", "3306"))
}

func TestReconcileIsIdempotent(t *testing.T) {
	admin, cleanup := setupDB(t)
	defer cleanup()

	sm := newMockSecretsManager()
	adminJSON, _ := json.Marshal(admin)
	sm.docs["admin-secret"] = string(adminJSON)

	slotSecret := secretstore.SlotSecret{
		ActiveSlot: secretstore.SlotB,
		Slots: map[secretstore.Slot]secretstore.SlotCredentials{
			secretstore.SlotA: {Username: "openemr_drift_c", Password: "driftpassword1234567890c", Host: "127.0.0.1", Port: "3306", DBName: "mysql"},
			secretstore.SlotB: {Username: "openemr_drift_d", Password: "driftpassword1234567890d", Host: "127.0.0.1", Port: "3306", DBName: "mysql"},
		},
	}
	slotJSON, _ := json.Marshal(slotSecret)
	sm.docs["slot-secret"] = string(slotJSON)

	store := secretstore.New(sm)
	dba := dbadmin.New(dbadmin.Config{})

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sqlconf.php")
	require.NoError(t, os.WriteFile(cfgPath, []byte("$user = 'openemr_drift_d';\n"), 0644))
	cfgFile := configfile.New(cfgPath, 0, 0)

	r := drift.New(store, dba, cfgFile, "slot-secret", "admin-secret", false)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	second, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, second.Repairs)
}
