package models

import (
	"encoding/json"
	"time"
)

// EventType 规范化的信号类型
type EventType string

const (
	EventLocation        EventType = "Location.PreciseLocation"
	EventOdometer        EventType = "Odometer.TraveledDistance"
	EventStateOfCharge   EventType = "TractionBattery.StateOfCharge"
	EventNominalCapacity EventType = "TractionBattery.NominalCapacity"
	EventChargeLimits    EventType = "Charge.ChargeLimits"
)

// EventTypes 全部规范类型，顺序即聚合接口的输出顺序
var EventTypes = []EventType{
	EventLocation,
	EventOdometer,
	EventStateOfCharge,
	EventNominalCapacity,
	EventChargeLimits,
}

// signalCodes Smartcar 信号代码 -> 规范类型
var signalCodes = map[string]EventType{
	"location-preciselocation":        EventLocation,
	"odometer-traveleddistance":       EventOdometer,
	"tractionbattery-stateofcharge":   EventStateOfCharge,
	"tractionbattery-nominalcapacity": EventNominalCapacity,
	"charge-chargelimits":             EventChargeLimits,
}

// EventTypeForCode 按信号代码查找规范类型
func EventTypeForCode(code string) (EventType, bool) {
	t, ok := signalCodes[code]
	return t, ok
}

// ParseEventType 接受规范名称或信号代码
func ParseEventType(s string) (EventType, bool) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return EventTypeForCode(s)
}

// Valid 是否属于规范类型
func (t EventType) Valid() bool {
	_, ok := ParseEventType(string(t))
	return ok
}

// Key 对外接口中使用的短名称
func (t EventType) Key() string {
	switch t {
	case EventLocation:
		return "location"
	case EventOdometer:
		return "odometer"
	case EventStateOfCharge:
		return "state_of_charge"
	case EventNominalCapacity:
		return "nominal_capacity"
	case EventChargeLimits:
		return "charge_limits"
	default:
		return string(t)
	}
}

// Event 规范化后的车辆事件，写入后不可修改
type Event struct {
	ID         int64           `json:"id" db:"id"`
	VehicleID  string          `json:"vehicle_id" db:"vehicle_id"` // Smartcar 车辆 ID
	Type       EventType       `json:"event_type" db:"event_type"`
	RecordedAt time.Time       `json:"timestamp" db:"recorded_at"`
	Data       json.RawMessage `json:"data" db:"data"`
	Meta       json.RawMessage `json:"meta,omitempty" db:"meta"`
	RawData    json.RawMessage `json:"raw_data,omitempty" db:"raw_data"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// WithoutRaw 返回去掉原始载荷的副本
func (e *Event) WithoutRaw() *Event {
	cp := *e
	cp.RawData = nil
	return &cp
}
