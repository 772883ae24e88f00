package types

import "fmt"

// CANFrame is a classic CAN 2.0 frame with at most 8 data bytes.
type CANFrame struct {
	ID   uint32
	Len  uint8
	Data [8]byte
}

func (f CANFrame) String() string {
	return fmt.Sprintf("%03x#% x", f.ID, f.Data[:f.Len])
}
