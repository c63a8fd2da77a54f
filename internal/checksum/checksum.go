// Package checksum implements the two integrity checks used on the scooter
// BLE links: CRC-16/MODBUS for the ANT BMS and the additive byte sum used by
// the Kelly motor controller.
package checksum

const (
	crc16Init       = 0xFFFF
	crc16Polynomial = 0xA001 // reflected 0x8005
)

// CRC16 computes CRC-16/MODBUS (poly 0xA001 reflected, init 0xFFFF, no final XOR).
func CRC16(data []byte) uint16 {
	crc := uint16(crc16Init)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crc16Polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRC16Bytes returns the CRC of data in wire order (low byte first).
func CRC16Bytes(data []byte) [2]byte {
	crc := CRC16(data)
	return [2]byte{byte(crc & 0xFF), byte(crc >> 8)}
}

// Additive sums data as unsigned bytes. Whenever the running sum exceeds
// 0xFF it is reduced by 0xFF, not 0x100; the controller firmware expects
// exactly this, so it is not a plain mod-256 sum.
func Additive(data []byte) byte {
	sum := 0
	for _, b := range data {
		sum += int(b)
		if sum > 0xFF {
			sum -= 0xFF
		}
	}
	return byte(sum)
}
