package listener

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"zconnect-engine/internal/config"
	"zconnect-engine/internal/evaluator"
	"zconnect-engine/internal/models"
	"zconnect-engine/internal/repository"
	"zconnect-engine/internal/status"
	"zconnect-engine/internal/timeseries"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupHandlers(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *miniredis.Miniredis, *Handlers) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Evaluation.OnlineThreshold = 10 * time.Minute
	cfg.Evaluation.ClockSkewOffset = 5 * time.Second

	logger := zap.NewNop()
	deviceRepo := repository.NewDeviceRepository(db, logger)
	defRepo := repository.NewEventDefinitionRepository(db, logger)
	eventRepo := repository.NewEventRepository(db, logger)
	tsRepo := repository.NewTimeSeriesRepository(db, logger)

	aggEngine := timeseries.NewEngine(tsRepo, logger)
	state := evaluator.NewStateManager(redisClient, cfg.Evaluation.ClockSkewOffset, logger)
	eval := evaluator.NewEvaluator(cfg, state, deviceRepo, defRepo, eventRepo, tsRepo, aggEngine, logger)
	tracker := status.NewOnlineStatusTracker(cfg, redisClient, deviceRepo, logger)

	handlers := NewHandlers(deviceRepo, tsRepo, tracker, eval, logger)
	return db, mock, mr, handlers
}

func deviceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"device_id", "product_id", "name", "fw_version", "last_seen"}).
		AddRow("dev-1", "prod-1", "Boiler Sensor", "2.1.0", nil)
}

func expectTouch(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT device_id, product_id, name").
		WithArgs("dev-1").
		WillReturnRows(deviceRows())
	mock.ExpectExec("UPDATE devices").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func periodicMessage(payload map[string]interface{}) *models.Message {
	return &models.Message{
		DeviceID:  "dev-1",
		Kind:      models.KindPeriodic,
		Timestamp: time.Date(2024, 6, 1, 11, 59, 55, 0, time.UTC),
		ArrivedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
}

func TestRegisterAll_CoversKnownKinds(t *testing.T) {
	db, _, _, handlers := setupHandlers(t)
	defer db.Close()

	_, lst := setupListener(t, nil)
	require.NoError(t, handlers.RegisterAll(lst))

	assert.Len(t, lst.handlers, len(models.KnownKinds))
}

func TestHandlePeriodic_StoresSamplesAndEvaluates(t *testing.T) {
	db, mock, mr, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{
		"temperature": 21.5,
		"label":       "bedroom", // 非数值字段不入库
	})

	expectTouch(mock)
	// 样本时间戳用设备上报时间
	mock.ExpectExec("INSERT INTO timeseries_data").
		WithArgs("dev-1", "temperature", msg.Timestamp, 21.5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 评估：产品下无定义
	mock.ExpectQuery("SELECT id, product_id, ref").
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "product_id", "ref", "condition", "actions", "debounce_window", "enabled", "scheduled",
		}))

	err := handlers.HandlePeriodic(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, mr.Exists("device:last_seen:dev-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePeriodic_UnknownDevice(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	mock.ExpectQuery("SELECT device_id, product_id, name").
		WithArgs("dev-1").
		WillReturnError(sql.ErrNoRows)

	err := handlers.HandlePeriodic(context.Background(), periodicMessage(nil))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device")
}

func TestHandleEvent_RecordsDeviceEvent(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{"event_id": "dev-1:7"})
	msg.Kind = models.KindEvent

	expectTouch(mock)
	mock.ExpectQuery("SELECT id, product_id, ref").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "product_id", "ref", "condition", "actions", "debounce_window", "enabled", "scheduled",
		}).AddRow(int64(7), "prod-1", "overheat", "temperature > 30", []byte(`{}`), 300, true, false))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := handlers.HandleEvent(context.Background(), msg)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEvent_MissingEventID(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{})
	msg.Kind = models.KindEvent

	expectTouch(mock)

	err := handlers.HandleEvent(context.Background(), msg)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "event_id")
}

func TestHandleVersion_UpdatesFirmware(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{"version": "2.2.0"})
	msg.Kind = models.KindVersion

	expectTouch(mock)
	mock.ExpectExec("UPDATE devices").
		WithArgs("2.2.0", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := handlers.HandleVersion(context.Background(), msg)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleVersion_MissingVersionField(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{})
	msg.Kind = models.KindVersion

	expectTouch(mock)

	err := handlers.HandleVersion(context.Background(), msg)

	assert.Error(t, err)
}

func TestHandleFwUpdateComplete_VersionOptional(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(map[string]interface{}{})
	msg.Kind = models.KindFwUpdateComplete

	expectTouch(mock)

	err := handlers.HandleFwUpdateComplete(context.Background(), msg)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleManualStatus_TouchesOnly(t *testing.T) {
	db, mock, mr, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(nil)
	msg.Kind = models.KindManualStatus

	expectTouch(mock)

	err := handlers.HandleManualStatus(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, mr.Exists("device:last_seen:dev-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAcknowledged(t *testing.T) {
	db, mock, _, handlers := setupHandlers(t)
	defer db.Close()

	msg := periodicMessage(nil)
	msg.Kind = models.KindSettings

	expectTouch(mock)

	err := handlers.HandleAcknowledged(context.Background(), msg)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
