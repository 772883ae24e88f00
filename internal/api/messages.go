package api

// TouchRequest is sent when a non-operator tag is presented.
type TouchRequest struct {
	CardID    string `json:"card_id"`
	IButtonID string `json:"ibutton_id"`
}

// TouchResponse carries the decision for a touch. Action is "lock",
// "unlock" or "reject"; empty means the server sent none.
type TouchResponse struct {
	Action string `json:"action,omitempty"`
}

type TelemetryReport struct {
	Telemetry Telemetry `json:"telemetry"`
}

// Telemetry omits unknown vehicle fields.
type Telemetry struct {
	SoCPercent        *int32  `json:"soc_percent,omitempty"`
	OdometerMiles     *int32  `json:"odometer_miles,omitempty"`
	DoorsLocked       *int8   `json:"doors_locked,omitempty"`
	AuxBatteryVoltage float64 `json:"aux_battery_voltage"`
	IButtonID         string  `json:"ibutton_id"`
	BoxUptimeS        int64   `json:"box_uptime_s"`
	BoxFreeHeapBytes  uint64  `json:"box_free_heap_bytes"`
}

type TelemetryResponse struct {
	OperatorCardList  *OperatorCardList `json:"operator_card_list,omitempty"`
	Action            string            `json:"action,omitempty"`
	FirmwareUpdateURL string            `json:"firmware_update_url,omitempty"`
}

type OperatorCardList struct {
	ETag  *float64 `json:"etag"`
	Cards []string `json:"cards"`
}
