package protocol

// CRC-16/ARC: reflected polynomial 0x8005 (0xA001), no final xor.
const crc16Poly = 0xA001

var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// Checksum returns the CRC16 of data seeded with 0.
func Checksum(data []byte) uint16 {
	return UpdateChecksum(0, data)
}

// UpdateChecksum continues a CRC16 computation from crc.
func UpdateChecksum(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return crc
}
