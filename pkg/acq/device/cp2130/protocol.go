package cp2130

import (
	"encoding/binary"
	"fmt"
)

const (
	VendorID  = 0x10C4
	ProductID = 0x87A0

	usbConfig    = 1
	usbInterface = 0
	epOut        = 1 // 0x01
	epIn         = 2 // 0x82

	reqTypeVendorOut uint8 = 0x40

	reqSetGPIOChipSelect uint8 = 0x25
	reqSetSPIWord        uint8 = 0x31

	cmdRead  byte = 0x00
	cmdWrite byte = 0x01

	headerLength = 8
)

// Chip select control values for Set_GPIO_Chip_Select.
const (
	csEnable    byte = 0x01
	csExclusive byte = 0x02
)

// Supported SPI clocks, indexed by the 3-bit clock code of the SPI word.
var spiClocks = [...]int{12000000, 6000000, 3000000, 1500000, 750000, 375000, 187500, 93750}

// clockCode picks the fastest supported clock that does not exceed hz.
func clockCode(hz int) (byte, int, error) {
	for code, clk := range spiClocks {
		if clk <= hz {
			return byte(code), clk, nil
		}
	}
	return 0, 0, fmt.Errorf("cp2130: spi clock %d Hz below minimum %d Hz", hz, spiClocks[len(spiClocks)-1])
}

// spiWord builds the Set_SPI_Word configuration byte.
// bit 5: CPHA, bit 4: CPOL, bit 3: push-pull chip select, bits 2-0: clock code.
func spiWord(mode int, clock byte) (byte, error) {
	if mode < 0 || mode > 3 {
		return 0, fmt.Errorf("cp2130: invalid spi mode %d", mode)
	}
	w := clock & 0x07
	w |= 1 << 3
	if mode&0x02 != 0 {
		w |= 1 << 4
	}
	if mode&0x01 != 0 {
		w |= 1 << 5
	}
	return w, nil
}

// transferHeader is the 8-byte command block that precedes every bulk transfer.
func transferHeader(cmd byte, length int) []byte {
	h := make([]byte, headerLength)
	h[2] = cmd
	binary.LittleEndian.PutUint32(h[4:8], uint32(length))
	return h
}
