package service

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/langchou/smartgazer/internal/models"
)

// 上游载荷形状随时间变化且没有版本号，以下函数按固定顺序尝试已知的各种写法。

type fields map[string]any

func decodeFields(data json.RawMessage) fields {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func (f fields) sub(key string) fields {
	if f == nil {
		return nil
	}
	m, _ := f[key].(map[string]any)
	return m
}

func (f fields) number(key string) (float64, bool) {
	if f == nil {
		return 0, false
	}
	return toNumber(f[key])
}

func (f fields) firstOf(key string) fields {
	if f == nil {
		return nil
	}
	list, _ := f[key].([]any)
	if len(list) == 0 {
		return nil
	}
	m, _ := list[0].(map[string]any)
	return m
}

func (f fields) str(key string) *string {
	if f == nil {
		return nil
	}
	s, ok := f[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ExtractCapacity 电池标称容量 (kWh)。
// 依次尝试 data.capacity、data.value.capacity、availableCapacities 列表第一项，
// 以及厂商样例中拼错的 availbableCapacities。
func ExtractCapacity(data json.RawMessage) (float64, bool) {
	f := decodeFields(data)
	if v, ok := f.number("capacity"); ok {
		return v, true
	}
	if v, ok := f.sub("value").number("capacity"); ok {
		return v, true
	}
	for _, key := range []string{"availableCapacities", "availbableCapacities"} {
		if v, ok := f.firstOf(key).number("capacity"); ok {
			return v, true
		}
		if v, ok := f.sub("value").firstOf(key).number("capacity"); ok {
			return v, true
		}
	}
	return 0, false
}

// ExtractStateOfCharge 电量百分比，兼容 value、percent 以及嵌套 value.value
func ExtractStateOfCharge(data json.RawMessage) (float64, bool) {
	f := decodeFields(data)
	if v, ok := f.number("value"); ok {
		return v, true
	}
	if v, ok := f.number("percent"); ok {
		return v, true
	}
	if v, ok := f.number("stateOfCharge"); ok {
		return v, true
	}
	return f.sub("value").number("value")
}

// ExtractOdometer 里程 (km)，兼容 value、distance 以及嵌套 value.value
func ExtractOdometer(data json.RawMessage) (float64, bool) {
	f := decodeFields(data)
	if v, ok := f.number("value"); ok {
		return v, true
	}
	if v, ok := f.number("distance"); ok {
		return v, true
	}
	return f.sub("value").number("value")
}

// ExtractChargeLimit 当前生效的充电上限。
// 信号数组形状为 values.activeLimit，旧形状为顶层 activeLimit 或 limit。
func ExtractChargeLimit(data json.RawMessage) (float64, bool) {
	f := decodeFields(data)
	if v, ok := f.sub("values").number("activeLimit"); ok {
		return v, true
	}
	if v, ok := f.number("activeLimit"); ok {
		return v, true
	}
	if v, ok := f.sub("value").number("activeLimit"); ok {
		return v, true
	}
	if v, ok := f.number("limit"); ok {
		return v, true
	}
	return f.firstOf("values").number("limit")
}

// ExtractChargeLimits 完整的充电上限集合
func ExtractChargeLimits(data json.RawMessage) (*models.ChargeLimits, bool) {
	active, ok := ExtractChargeLimit(data)
	if !ok {
		return nil, false
	}
	out := &models.ChargeLimits{ActiveLimit: active}

	f := decodeFields(data)
	list, _ := f.sub("values")["values"].([]any)
	if list == nil {
		list, _ = f["values"].([]any)
	}
	for _, item := range list {
		entry, _ := item.(map[string]any)
		e := fields(entry)
		limit, ok := e.number("limit")
		if !ok {
			continue
		}
		cl := models.ChargeLimit{Limit: limit, Condition: e.sub("condition")}
		if s := e.str("type"); s != nil {
			cl.Type = *s
		}
		out.Values = append(out.Values, cl)
	}
	return out, true
}

// ExtractLocation 经纬度及可选的方向信息，兼容顶层和 value 包裹两种写法
func ExtractLocation(data json.RawMessage) (*models.Location, bool) {
	f := decodeFields(data)
	for _, candidate := range []fields{f, f.sub("value"), f.sub("preciseLocation")} {
		lat, okLat := candidate.number("latitude")
		lng, okLng := candidate.number("longitude")
		if !okLat || !okLng {
			continue
		}
		loc := &models.Location{
			Latitude:     lat,
			Longitude:    lng,
			Direction:    candidate.str("direction"),
			LocationType: candidate.str("locationType"),
		}
		if h, ok := candidate.number("heading"); ok {
			loc.Heading = &h
		}
		return loc, true
	}
	return nil, false
}
