package models

import "time"

// DeviceInfo 设备目录信息（目录由外部系统维护，引擎只读身份/产品，回写 last_seen）
type DeviceInfo struct {
	DeviceID  string
	ProductID string
	Name      string
	FwVersion string
	LastSeen  *time.Time
}

// EventDefinition 事件定义（声明式触发规则，属于一个产品）
// Condition 为条件表达式，如 "temperature > 30 && avg_300_temperature >= 28"
// Actions 为触发动作配置（JSON），DebounceWindow 为重新武装冷却（秒）
type EventDefinition struct {
	ID             int64
	ProductID      string
	Ref            string
	Condition      string
	Actions        map[string]interface{}
	DebounceWindow int
	Enabled        bool
	Scheduled      bool
}

// Event 触发产生的事件记录（写入外部目录后归其所有）
type Event struct {
	EventID      string
	DeviceID     string
	DefinitionID int64
	Success      bool
	TriggeredAt  time.Time
	Context      map[string]interface{}
}

// Notification 触发产生的通知记录
type Notification struct {
	NotificationID string
	DeviceID       string
	DefinitionID   int64
	Ref            string
	Severity       string
	CreatedAt      time.Time
}
