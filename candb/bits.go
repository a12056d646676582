package candb

import "fmt"

func mask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

// bitPositions walks the payload bit numbers a signal occupies, LSB first for
// Intel and MSB first for Motorola (DBC sawtooth numbering).
func bitPositions(startBit, bitLen int, bigEndian bool, fn func(i, pos int)) {
	if !bigEndian {
		for i := 0; i < bitLen; i++ {
			fn(i, startBit+i)
		}
		return
	}
	pos := startBit
	for i := 0; i < bitLen; i++ {
		fn(i, pos)
		if pos%8 == 0 {
			pos += 15
		} else {
			pos--
		}
	}
}

func checkField(data []byte, startBit, bitLen int, bigEndian bool) error {
	if bitLen <= 0 || bitLen > 64 {
		return fmt.Errorf("invalid bit length %d", bitLen)
	}
	limit := len(data) * 8
	var bad = -1
	bitPositions(startBit, bitLen, bigEndian, func(_, pos int) {
		if bad < 0 && (pos < 0 || pos >= limit) {
			bad = pos
		}
	})
	if bad >= 0 {
		return fmt.Errorf("bit %d outside %d byte payload", bad, len(data))
	}
	return nil
}

func getBits(data []byte, startBit, bitLen int, bigEndian bool) (uint64, error) {
	if err := checkField(data, startBit, bitLen, bigEndian); err != nil {
		return 0, err
	}
	var v uint64
	bitPositions(startBit, bitLen, bigEndian, func(i, pos int) {
		bit := uint64(data[pos/8]>>(pos%8)) & 1
		if bigEndian {
			v = v<<1 | bit
		} else {
			v |= bit << i
		}
	})
	return v, nil
}

func setBits(data []byte, startBit, bitLen int, bigEndian bool, value uint64) error {
	if err := checkField(data, startBit, bitLen, bigEndian); err != nil {
		return err
	}
	value &= mask(bitLen)
	bitPositions(startBit, bitLen, bigEndian, func(i, pos int) {
		var bit uint64
		if bigEndian {
			bit = (value >> (bitLen - 1 - i)) & 1
		} else {
			bit = (value >> i) & 1
		}
		if bit == 1 {
			data[pos/8] |= 1 << (pos % 8)
		} else {
			data[pos/8] &^= 1 << (pos % 8)
		}
	})
	return nil
}

func unsignedToRawInt64(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if (u & signBit) == 0 {
		return int64(u)
	}
	return int64(u | ^mask(bitLen))
}

func rawToUnsigned(raw int64, bitLen int) uint64 {
	return uint64(raw) & mask(bitLen)
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		max := int64((1 << bitLen) - 1)
		if raw < 0 {
			return 0
		}
		if raw > max {
			return max
		}
		return raw
	}
	min := -int64(1 << (bitLen - 1))
	max := int64((1 << (bitLen - 1)) - 1)
	if raw < min {
		return min
	}
	if raw > max {
		return max
	}
	return raw
}
