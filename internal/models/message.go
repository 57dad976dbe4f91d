package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind 消息类型（设备固件上报的消息分类）
type MessageKind string

const (
	KindEvent                  MessageKind = "event"
	KindPeriodic               MessageKind = "periodic"
	KindSettings               MessageKind = "settings"
	KindVersion                MessageKind = "version"
	KindFwUpdateComplete       MessageKind = "fw_update_complete"
	KindGatewayNewClient       MessageKind = "gateway_new_client"
	KindInitWifiSuccess        MessageKind = "init_wifi_success"
	KindIRReceiveCodes         MessageKind = "ir_receive_codes"
	KindIRReceiveCodesComplete MessageKind = "ir_receive_codes_complete"
	KindLocalIP                MessageKind = "local_ip"
	KindManualStatus           MessageKind = "manual_status"
)

// KnownKinds 所有已知的消息类型
// 配置中引用未知类型时启动即报错（fail fast）
var KnownKinds = map[MessageKind]bool{
	KindEvent:                  true,
	KindPeriodic:               true,
	KindSettings:               true,
	KindVersion:                true,
	KindFwUpdateComplete:       true,
	KindGatewayNewClient:       true,
	KindInitWifiSuccess:        true,
	KindIRReceiveCodes:         true,
	KindIRReceiveCodesComplete: true,
	KindLocalIP:                true,
	KindManualStatus:           true,
}

// Message 设备上行消息
// Timestamp 为设备侧上报时间（可能有时钟偏移），ArrivedAt 为监听器分配的服务端到达时间
type Message struct {
	DeviceID  string                 `json:"device_id"`
	Kind      MessageKind            `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	ArrivedAt time.Time              `json:"-"`
	Payload   map[string]interface{} `json:"payload"`
}

// envelope MQTT 消息信封（与设备固件约定的 JSON 格式）
type envelope struct {
	DeviceID  string                 `json:"device_id"`
	Kind      string                 `json:"kind"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// ParseMessage 解析上行消息信封
// 解析失败的消息由监听器丢弃并计数，不会中断消息流
func ParseMessage(payload []byte, arrivedAt time.Time) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message envelope: %w", err)
	}

	if env.DeviceID == "" {
		return nil, fmt.Errorf("message envelope missing device_id")
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("message envelope missing kind")
	}

	msg := &Message{
		DeviceID:  env.DeviceID,
		Kind:      MessageKind(env.Kind),
		Timestamp: time.Unix(env.Timestamp, 0).UTC(),
		ArrivedAt: arrivedAt,
		Payload:   env.Payload,
	}
	if env.Timestamp == 0 {
		// 固件未上报时间戳时以服务端到达时间为准
		msg.Timestamp = arrivedAt
	}

	return msg, nil
}

// NumericPayload 提取 payload 中所有数值型字段
// periodic 消息的传感器读数以此写入时序存储
func (m *Message) NumericPayload() map[string]float64 {
	out := make(map[string]float64)
	for key, value := range m.Payload {
		switch v := value.(type) {
		case float64:
			out[key] = v
		case int:
			out[key] = float64(v)
		case int64:
			out[key] = float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				out[key] = f
			}
		}
	}
	return out
}
