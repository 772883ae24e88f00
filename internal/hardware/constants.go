package hardware

// Output names used across the box.
const (
	OutLedRed    = "led_red"
	OutLedGreen  = "led_green"
	OutLedBlue   = "led_blue"
	OutLedStatus = "led_status"
	OutCanSleep  = "can_sleep"
)

// LineMapping locates one GPIO line.
type LineMapping struct {
	Chip int
	Line int
}

// DefaultOutputs matches the reference box wiring.
var DefaultOutputs = map[string]LineMapping{
	OutLedRed:    {0, 33},
	OutLedGreen:  {0, 25},
	OutLedBlue:   {0, 32},
	OutLedStatus: {0, 23},
	OutCanSleep:  {0, 16},
}

const (
	DefaultCANInterface = "can0"
	DefaultW1Devices    = "/sys/bus/w1/devices"
	DefaultADCDevice    = "iio:device0"
	DefaultADCChannel   = 0

	// One volt of battery reads as this many ADC millivolts through the
	// board's divider.
	DefaultBatteryDivider = 179.0
)
