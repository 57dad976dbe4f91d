package evaluator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"zconnect-engine/internal/models"
	"zconnect-engine/internal/repository"
	"zconnect-engine/internal/timeseries"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupContext(t *testing.T, payload map[string]interface{}) (*sql.DB, sqlmock.Sqlmock, *AggregatedContext, time.Time) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	tsRepo := repository.NewTimeSeriesRepository(db, zap.NewNop())
	engine := timeseries.NewEngine(tsRepo, zap.NewNop())

	device := &models.DeviceInfo{
		DeviceID:  "dev-1",
		ProductID: "prod-1",
		Name:      "Boiler Sensor",
		FwVersion: "2.1.0",
	}
	aggTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	src := NewAggregatedContext(context.Background(), device, payload, aggTime, engine)
	return db, mock, src, aggTime
}

func TestLookup_PayloadField(t *testing.T) {
	db, _, src, _ := setupContext(t, map[string]interface{}{
		"temperature": 21.5,
	})
	defer db.Close()

	value, err := src.Lookup("temperature")

	require.NoError(t, err)
	assert.Equal(t, 21.5, value)
}

func TestLookup_NestedPayloadPath(t *testing.T) {
	db, _, src, _ := setupContext(t, map[string]interface{}{
		"status": map[string]interface{}{
			"battery": 88.0,
		},
	})
	defer db.Close()

	value, err := src.Lookup("status:battery")

	require.NoError(t, err)
	assert.Equal(t, 88.0, value)
}

func TestLookup_NormalizesIntegers(t *testing.T) {
	db, _, src, _ := setupContext(t, map[string]interface{}{
		"count": 7,
	})
	defer db.Close()

	value, err := src.Lookup("count")

	require.NoError(t, err)
	assert.Equal(t, 7.0, value)
}

func TestLookup_DeviceFields(t *testing.T) {
	db, _, src, _ := setupContext(t, nil)
	defer db.Close()

	name, err := src.Lookup("device:name")
	require.NoError(t, err)
	assert.Equal(t, "Boiler Sensor", name)

	fw, err := src.Lookup("device:fw_version")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", fw)
}

func TestLookup_UnknownVariable(t *testing.T) {
	db, _, src, _ := setupContext(t, nil)
	defer db.Close()

	value, err := src.Lookup("no_such_variable")

	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestLookup_AggregationVariable(t *testing.T) {
	db, mock, src, aggTime := setupContext(t, nil)
	defer db.Close()

	start := aggTime.Add(-300 * time.Second)
	rows := sqlmock.NewRows([]string{"device_id", "metric", "ts", "value"}).
		AddRow("dev-1", "temperature", start.Add(time.Minute), 20.0).
		AddRow("dev-1", "temperature", start.Add(2*time.Minute), 22.0).
		AddRow("dev-1", "temperature", start.Add(3*time.Minute), 24.0)

	mock.ExpectQuery("SELECT device_id, metric, ts, value").
		WithArgs("dev-1", "temperature", start, aggTime).
		WillReturnRows(rows)

	value, err := src.Lookup("avg_300_temperature")

	require.NoError(t, err)
	assert.Equal(t, 22.0, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_AggregationCachedWithinEvaluation(t *testing.T) {
	db, mock, src, aggTime := setupContext(t, nil)
	defer db.Close()

	start := aggTime.Add(-60 * time.Second)
	rows := sqlmock.NewRows([]string{"device_id", "metric", "ts", "value"}).
		AddRow("dev-1", "humidity", start, 50.0)

	// 只期望一次查询：第二次 Lookup 命中缓存
	mock.ExpectQuery("SELECT device_id, metric, ts, value").
		WithArgs("dev-1", "humidity", start, aggTime).
		WillReturnRows(rows)

	first, err := src.Lookup("max_60_humidity")
	require.NoError(t, err)
	assert.Equal(t, 50.0, first)

	second, err := src.Lookup("max_60_humidity")
	require.NoError(t, err)
	assert.Equal(t, 50.0, second)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_EmptyWindowReturnsNoData(t *testing.T) {
	db, mock, src, aggTime := setupContext(t, nil)
	defer db.Close()

	start := aggTime.Add(-300 * time.Second)
	mock.ExpectQuery("SELECT device_id, metric, ts, value").
		WithArgs("dev-1", "temperature", start, aggTime).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "metric", "ts", "value"}))

	_, err := src.Lookup("avg_300_temperature")

	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrNoData)
}

func TestLookup_PayloadShadowsAggregation(t *testing.T) {
	// payload 里恰好有同名字段时不触发聚合查询
	db, mock, src, _ := setupContext(t, map[string]interface{}{
		"avg_300_temperature": 99.0,
	})
	defer db.Close()

	value, err := src.Lookup("avg_300_temperature")

	require.NoError(t, err)
	assert.Equal(t, 99.0, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseAggKey(t *testing.T) {
	tests := []struct {
		name    string
		aggType string
		seconds int
		metric  string
		ok      bool
	}{
		{"avg_300_temperature", "avg", 300, "temperature", true},
		{"sum_60_flow_rate", "sum", 60, "flow_rate", true},
		{"count_3600_door_open", "count", 3600, "door_open", true},
		{"mode_300_temperature", "", 0, "", false},
		{"avg_abc_temperature", "", 0, "", false},
		{"avg_0_temperature", "", 0, "", false},
		{"avg_-60_temperature", "", 0, "", false},
		{"avg_300_", "", 0, "", false},
		{"temperature", "", 0, "", false},
		{"avg_300", "", 0, "", false},
	}

	for _, tt := range tests {
		aggType, seconds, metric, ok := parseAggKey(tt.name)
		assert.Equal(t, tt.ok, ok, "name: %s", tt.name)
		if tt.ok {
			assert.Equal(t, tt.aggType, aggType)
			assert.Equal(t, tt.seconds, seconds)
			assert.Equal(t, tt.metric, metric)
		}
	}
}
