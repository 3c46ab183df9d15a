package repositories

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConfigStore(t *testing.T, rows *sqlmock.Rows) (*ConfigStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT config_key, config_value FROM system_config").WillReturnRows(rows)
	store, err := NewConfigStore(context.Background(), db, zap.NewNop())
	require.NoError(t, err)
	return store, mock
}

func TestConfigStoreTypedAccessors(t *testing.T) {
	rows := sqlmock.NewRows([]string{"config_key", "config_value"}).
		AddRow(KeyWorkStartHour, "8").
		AddRow(KeyNotificationCooldown, "1.5").
		AddRow(KeyWorkDays, "1, 2,3").
		AddRow(KeyEscalationMentionUsers, "ops_lead, field_mgr").
		AddRow("garbage_int", "not-a-number")
	store, _ := newConfigStore(t, rows)

	assert.Equal(t, 8, store.GetInt(KeyWorkStartHour, 9))
	assert.Equal(t, 19, store.GetInt(KeyWorkEndHour, 19)) // absent key
	assert.Equal(t, 7, store.GetInt("garbage_int", 7))    // malformed value
	assert.InDelta(t, 1.5, store.GetFloat(KeyNotificationCooldown, 2.0), 1e-9)
	assert.Equal(t, []int{1, 2, 3}, store.GetIntSlice(KeyWorkDays, nil))
	assert.Equal(t, []string{"ops_lead", "field_mgr"}, store.GetStringSlice(KeyEscalationMentionUsers))
	assert.Nil(t, store.GetStringSlice("absent"))
}

func TestConfigStoreSetWriteThrough(t *testing.T) {
	store, mock := newConfigStore(t, sqlmock.NewRows([]string{"config_key", "config_value"}))

	mock.ExpectExec("INSERT INTO system_config").
		WithArgs(KeyCacheTTLHours, "2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Set(context.Background(), KeyCacheTTLHours, "2"))
	assert.Equal(t, 2, store.GetInt(KeyCacheTTLHours, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigStoreSetFailureKeepsCache(t *testing.T) {
	rows := sqlmock.NewRows([]string{"config_key", "config_value"}).
		AddRow(KeyCacheTTLHours, "1")
	store, mock := newConfigStore(t, rows)

	mock.ExpectExec("INSERT INTO system_config").
		WillReturnError(assert.AnError)

	err := store.Set(context.Background(), KeyCacheTTLHours, "3")
	assert.Error(t, err)
	assert.Equal(t, 1, store.GetInt(KeyCacheTTLHours, 9))
}
