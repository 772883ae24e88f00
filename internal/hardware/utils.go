package hardware

import (
	"fmt"
	"os"
	"strings"
)

var iioRoot = "/sys/bus/iio/devices"

func ReadAdcValue(device string, channel int) (int, error) {
	path := fmt.Sprintf("%s/%s/in_voltage%d_raw", iioRoot, device, channel)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return -1, fmt.Errorf("ADC sysfs not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("failed reading %s: %w", path, err)
	}

	var value int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &value); err != nil {
		return -1, fmt.Errorf("failed parsing ADC value: %w", err)
	}
	return value, nil
}

// readScale returns the IIO scale (mV per raw count), 1 if absent.
func readScale(device string, channel int) float64 {
	for _, name := range []string{fmt.Sprintf("in_voltage%d_scale", channel), "in_voltage_scale"} {
		data, err := os.ReadFile(fmt.Sprintf("%s/%s/%s", iioRoot, device, name))
		if err != nil {
			continue
		}
		var scale float64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%g", &scale); err == nil && scale > 0 {
			return scale
		}
	}
	return 1
}

// BatterySampler reads the auxiliary battery voltage through an IIO ADC.
type BatterySampler struct {
	Device  string
	Channel int
	Divider float64
}

// Volts returns the battery voltage or -1 if the ADC cannot be read.
func (b BatterySampler) Volts() float64 {
	raw, err := ReadAdcValue(b.Device, b.Channel)
	if err != nil || raw < 0 || b.Divider <= 0 {
		return -1
	}
	mv := float64(raw) * readScale(b.Device, b.Channel)
	return mv / b.Divider
}
