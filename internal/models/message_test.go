package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Success(t *testing.T) {
	arrivedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{
		"device_id": "dev-123",
		"kind": "periodic",
		"timestamp": 1717243100,
		"payload": {"temperature": 21.5, "humidity": 60}
	}`)

	msg, err := ParseMessage(raw, arrivedAt)

	require.NoError(t, err)
	assert.Equal(t, "dev-123", msg.DeviceID)
	assert.Equal(t, KindPeriodic, msg.Kind)
	assert.Equal(t, time.Unix(1717243100, 0).UTC(), msg.Timestamp)
	assert.Equal(t, arrivedAt, msg.ArrivedAt)
	assert.Equal(t, 21.5, msg.Payload["temperature"])
}

func TestParseMessage_MissingTimestampFallsBackToArrival(t *testing.T) {
	arrivedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{"device_id": "dev-123", "kind": "event", "payload": {}}`)

	msg, err := ParseMessage(raw, arrivedAt)

	require.NoError(t, err)
	assert.Equal(t, arrivedAt, msg.Timestamp)
}

func TestParseMessage_MissingDeviceID(t *testing.T) {
	raw := []byte(`{"kind": "periodic", "timestamp": 1717243100}`)

	msg, err := ParseMessage(raw, time.Now().UTC())

	assert.Error(t, err)
	assert.Nil(t, msg)
	assert.Contains(t, err.Error(), "device_id")
}

func TestParseMessage_MissingKind(t *testing.T) {
	raw := []byte(`{"device_id": "dev-123", "timestamp": 1717243100}`)

	msg, err := ParseMessage(raw, time.Now().UTC())

	assert.Error(t, err)
	assert.Nil(t, msg)
	assert.Contains(t, err.Error(), "kind")
}

func TestParseMessage_InvalidJSON(t *testing.T) {
	raw := []byte(`{not json`)

	msg, err := ParseMessage(raw, time.Now().UTC())

	assert.Error(t, err)
	assert.Nil(t, msg)
}

func TestParseMessage_UnknownKindStillParses(t *testing.T) {
	// 未知类型在解析层放行，由监听器按"无处理函数"丢弃（向前兼容新固件）
	raw := []byte(`{"device_id": "dev-123", "kind": "future_kind", "timestamp": 1717243100}`)

	msg, err := ParseMessage(raw, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, MessageKind("future_kind"), msg.Kind)
	assert.False(t, KnownKinds[msg.Kind])
}

func TestNumericPayload(t *testing.T) {
	msg := &Message{
		Payload: map[string]interface{}{
			"temperature": 21.5,
			"humidity":    float64(60),
			"label":       "bedroom",
			"online":      true,
			"nested":      map[string]interface{}{"x": 1.0},
		},
	}

	numeric := msg.NumericPayload()

	assert.Len(t, numeric, 2)
	assert.Equal(t, 21.5, numeric["temperature"])
	assert.Equal(t, 60.0, numeric["humidity"])
}

func TestNumericPayload_Empty(t *testing.T) {
	msg := &Message{Payload: nil}

	assert.Empty(t, msg.NumericPayload())
}
