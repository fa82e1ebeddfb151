package models

// 各信号类型的载荷形状。存储时保留原样 JSON，这里仅用于对外输出和上游实时读取。

// Location 精确位置
type Location struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Direction    *string  `json:"direction,omitempty"`
	Heading      *float64 `json:"heading,omitempty"`
	LocationType *string  `json:"locationType,omitempty"`
}

// Odometer 行驶里程 (km)
type Odometer struct {
	Value float64 `json:"value"`
}

// ChargeLimit 单条充电上限
type ChargeLimit struct {
	Type      string         `json:"type"`
	Limit     float64        `json:"limit"`
	Condition map[string]any `json:"condition,omitempty"`
}

// ChargeLimits 充电上限集合
type ChargeLimits struct {
	ActiveLimit float64       `json:"activeLimit"`
	Values      []ChargeLimit `json:"values,omitempty"`
}
