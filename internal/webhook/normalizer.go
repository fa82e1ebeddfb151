package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/langchou/smartgazer/internal/models"
)

// ErrMalformedPayload 请求体不是 JSON，或缺少必须的标识字段
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Shape 已知的 webhook 载荷形状
type Shape string

const (
	ShapeVerification Shape = "verification"
	ShapeLegacyBatch  Shape = "legacy_batch"
	ShapeSignalArray  Shape = "signal_array"
	ShapeFlat         Shape = "flat"
	ShapeUnknown      Shape = "unknown"
)

// VehicleHint 载荷中附带的车辆属性和归属用户
type VehicleHint struct {
	Attributes models.VehicleAttributes
	UserID     string
}

// Delivery 一次投递的解析结果。Shape 决定哪些字段有效：
// verification 只有 Verification，其余形状只有 Events/Vehicles。
type Delivery struct {
	Shape        Shape
	Verification *Verification
	Events       []*models.Event
	Vehicles     []VehicleHint
	Diagnostics  []string
}

type document map[string]any

// detector 形状识别器，match 必须是纯谓词
type detector struct {
	shape Shape
	match func(doc document) bool
	parse func(doc document, d *Delivery, n *normalizer) error
}

// 按顺序尝试，校验请求优先
var detectors = []detector{
	{shape: ShapeVerification, match: isVerification, parse: parseVerification},
	{shape: ShapeLegacyBatch, match: isLegacyBatch, parse: parseLegacyBatch},
	{shape: ShapeSignalArray, match: isSignalArray, parse: parseSignalArray},
	{shape: ShapeFlat, match: isFlat, parse: parseFlat},
}

type normalizer struct {
	raw        json.RawMessage
	receivedAt time.Time
}

// Normalize 把一次 webhook 请求体转换成零个或多个规范事件。
// 只有请求体不是合法 JSON（或缺少车辆标识）时返回错误，未知形状返回 ShapeUnknown。
func Normalize(body []byte, receivedAt time.Time) (*Delivery, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedPayload)
	}

	d := &Delivery{Shape: ShapeUnknown}
	obj, ok := v.(map[string]any)
	if !ok {
		d.Diagnostics = append(d.Diagnostics, "payload is not a JSON object")
		return d, nil
	}
	doc := document(obj)

	n := &normalizer{
		raw:        append(json.RawMessage(nil), body...),
		receivedAt: receivedAt.UTC(),
	}

	for _, det := range detectors {
		if !det.match(doc) {
			continue
		}
		d.Shape = det.shape
		if err := det.parse(doc, d, n); err != nil {
			return nil, err
		}
		return d, nil
	}

	d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("unrecognized payload shape (keys: %v)", doc.keys()))
	return d, nil
}

// --- verification ---

func isVerification(doc document) bool {
	return doc.str("eventName") == "verify" || doc.str("eventType") == "VERIFY"
}

func parseVerification(doc document, d *Delivery, _ *normalizer) error {
	ver := &Verification{
		WebhookID: doc.str("webhookId"),
	}
	if ver.WebhookID == "" {
		ver.WebhookID = doc.obj("meta").str("webhookId")
	}
	ver.Challenge = doc.obj("payload").str("challenge")
	if ver.Challenge == "" {
		ver.Challenge = doc.obj("data").str("challenge")
	}
	d.Verification = ver
	return nil
}

// --- legacy batch: {type: "VehicleState", data: {vehicles: [...]}} ---

var legacySignals = []struct {
	group string
	name  string
	typ   models.EventType
}{
	{"location", "preciseLocation", models.EventLocation},
	{"odometer", "traveledDistance", models.EventOdometer},
	{"tractionBattery", "stateOfCharge", models.EventStateOfCharge},
	{"tractionBattery", "nominalCapacity", models.EventNominalCapacity},
	{"charge", "chargeLimits", models.EventChargeLimits},
}

func isLegacyBatch(doc document) bool {
	if doc.str("type") != "VehicleState" {
		return false
	}
	_, ok := doc.obj("data")["vehicles"].([]any)
	return ok
}

func parseLegacyBatch(doc document, d *Delivery, n *normalizer) error {
	vehicles, _ := doc.obj("data")["vehicles"].([]any)
	fallback := n.timestamp(doc["timestamp"])

	for i, item := range vehicles {
		entry := asDocument(item)
		vehicleID := entry.str("vehicleId")
		if vehicleID == "" {
			d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("vehicles[%d]: missing vehicleId, skipped", i))
			continue
		}

		ts := fallback
		if t, ok := parseTime(entry["timestamp"]); ok {
			ts = t
		}

		signals := entry.obj("signals")
		for _, sig := range legacySignals {
			value, ok := signals.obj(sig.group)[sig.name]
			if !ok || value == nil {
				continue
			}
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode %s.%s: %w", sig.group, sig.name, err)
			}
			d.Events = append(d.Events, n.event(vehicleID, sig.typ, ts, data, nil))
		}
	}
	return nil
}

// --- signal array: {eventType: "VEHICLE_STATE", data: {vehicle, user, signals: [...]}} ---

func isSignalArray(doc document) bool {
	if doc.str("eventType") != "VEHICLE_STATE" {
		return false
	}
	_, ok := doc.obj("data")["signals"].([]any)
	return ok
}

func parseSignalArray(doc document, d *Delivery, n *normalizer) error {
	data := doc.obj("data")
	vehicle := data.obj("vehicle")
	vehicleID := vehicle.str("id")
	if vehicleID == "" {
		return fmt.Errorf("%w: data.vehicle.id is required", ErrMalformedPayload)
	}

	userID := data.obj("user").str("id")
	attrs := models.VehicleAttributes{
		SmartcarID: vehicleID,
		Make:       vehicle.str("make"),
		Model:      vehicle.str("model"),
		Year:       int(vehicle.num("year")),
	}
	if userID != "" || attrs.Make != "" || attrs.Model != "" || attrs.Year != 0 {
		d.Vehicles = append(d.Vehicles, VehicleHint{Attributes: attrs, UserID: userID})
	}

	delivered := n.timestamp(doc.obj("meta")["deliveredAt"])
	signals, _ := data["signals"].([]any)
	for i, item := range signals {
		sig := asDocument(item)
		code := sig.str("code")
		typ, ok := models.EventTypeForCode(code)
		if !ok {
			d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("signals[%d]: unknown signal code %q, dropped", i, code))
			continue
		}
		body, ok := sig["body"]
		if !ok || body == nil {
			d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("signals[%d]: %s has no body, dropped", i, code))
			continue
		}

		meta := sig.obj("meta")
		ts := delivered
		if t, ok := parseTime(meta["oemUpdatedAt"]); ok {
			ts = t
		} else if t, ok := parseTime(meta["retrievedAt"]); ok {
			ts = t
		}

		value, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode signal %s: %w", code, err)
		}
		metadata, err := json.Marshal(map[string]any{
			"code":         code,
			"name":         sig.str("name"),
			"group":        sig.str("group"),
			"oemUpdatedAt": meta["oemUpdatedAt"],
			"retrievedAt":  meta["retrievedAt"],
		})
		if err != nil {
			return fmt.Errorf("encode signal meta %s: %w", code, err)
		}
		d.Events = append(d.Events, n.event(vehicleID, typ, ts, value, metadata))
	}
	return nil
}

// --- flat: {vehicleId, eventType, timestamp, data} ---

func isFlat(doc document) bool {
	return doc.str("vehicleId") != "" && doc.str("eventType") != ""
}

func parseFlat(doc document, d *Delivery, n *normalizer) error {
	name := doc.str("eventType")
	typ, ok := models.ParseEventType(name)
	if !ok {
		d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("unsupported event type %q, dropped", name))
		return nil
	}

	value := json.RawMessage("{}")
	if raw, ok := doc["data"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("encode flat event data: %w", err)
		}
		value = b
	}

	d.Events = append(d.Events, n.event(doc.str("vehicleId"), typ, n.timestamp(doc["timestamp"]), value, nil))
	return nil
}

// --- helpers ---

func (n *normalizer) event(vehicleID string, typ models.EventType, ts time.Time, data, meta json.RawMessage) *models.Event {
	return &models.Event{
		VehicleID:  vehicleID,
		Type:       typ,
		RecordedAt: ts,
		Data:       data,
		Meta:       meta,
		RawData:    n.raw,
	}
}

// timestamp 厂商时间缺失或无法解析时使用接收时间
func (n *normalizer) timestamp(v any) time.Time {
	if t, ok := parseTime(v); ok {
		return t
	}
	return n.receivedAt
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02 15:04:05",
}

// parseTime 支持 RFC3339 字符串和 epoch 秒/毫秒
func parseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil || f <= 0 {
			return time.Time{}, false
		}
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		return time.Unix(int64(f), 0).UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func asDocument(v any) document {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func (doc document) obj(key string) document {
	if doc == nil {
		return nil
	}
	return asDocument(doc[key])
}

func (doc document) str(key string) string {
	if doc == nil {
		return ""
	}
	s, _ := doc[key].(string)
	return s
}

func (doc document) num(key string) float64 {
	if doc == nil {
		return 0
	}
	switch v := doc[key].(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func (doc document) keys() []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	return keys
}
