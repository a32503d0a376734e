package modbusaccess

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxBlockRegisters keeps each read below the 125 register limit of a modbus holding register read.
const maxBlockRegisters = 120

// Type represents the different types of data that can be queried over modbus.
type Type struct {
	name          string                // the name of the data type
	dataLength    uint16                // the number of underlying bytes to represent the data type
	fromBytesFunc func([]byte) float64 // function to convert the bytes to a value
}

// FloatType represents the IEEE 754 float data type, as used by the meter for its channel readings.
var FloatType = Type{
	name:       "float",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) float64 {
		valUint32 := binary.BigEndian.Uint32(bytes)
		return float64(math.Float32frombits(valUint32))
	},
}

// Int32Type represents the 32 bit signed integer data type on Modbus.
var Int32Type = Type{
	name:       "int32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(int32(binary.BigEndian.Uint32(bytes)))
	},
}

// Int16Type represents the 16 bit signed integer data type on Modbus.
var Int16Type = Type{
	name:       "int16",
	dataLength: 2,
	fromBytesFunc: func(bytes []byte) float64 {
		return float64(int16(binary.BigEndian.Uint16(bytes)))
	},
}

// Registers returns how many 16 bit modbus registers the type occupies.
func (t Type) Registers() uint16 {
	return t.dataLength / 2
}

func (t Type) String() string {
	return t.name
}

// Register holds a value on the modbus slave at the given address
type Register struct {
	StartAddr uint16
	DataType  Type
	Scale     float64 // multiplier applied to the raw value, zero means no scaling
}

// RegisterBlock represents a contigous block of modbus registers that are read in one chunk.
type RegisterBlock struct {
	Name         string              // name of the block used for context/logging
	StartAddr    uint16              // the first register address of the block
	NumRegisters uint16              // the number of registers in this block (each register is two bytes)
	Registers    map[string]Register // details of all the registers of interest in this block, keyed by unique name
}

// Field describes one per-channel value in a channel table.
type Field struct {
	Name     string
	DataType Type
	Scale    float64
}

// ChannelKey names the register holding `field` of channel `ch` in blocks built by ChannelBlocks.
func ChannelKey(field string, ch int) string {
	return fmt.Sprintf("%s/%d", field, ch)
}

// ChannelBlocks lays out a table of `channels` rows starting at `startAddr`, each row holding `fields` back to
// back, and splits it into as few blocks as fit in a single read each.
func ChannelBlocks(name string, startAddr uint16, channels int, fields []Field) ([]RegisterBlock, error) {
	var rowRegisters uint16
	for _, field := range fields {
		rowRegisters += field.DataType.Registers()
	}
	if rowRegisters == 0 {
		return nil, fmt.Errorf("channel table '%s' has no fields", name)
	}
	if int(startAddr)+channels*int(rowRegisters) > math.MaxUint16 {
		return nil, fmt.Errorf("channel table '%s' exceeds the register address space", name)
	}
	rowsPerBlock := int(maxBlockRegisters / rowRegisters)

	var blocks []RegisterBlock
	for first := 0; first < channels; first += rowsPerBlock {
		last := first + rowsPerBlock
		if last > channels {
			last = channels
		}

		block := RegisterBlock{
			Name:         fmt.Sprintf("%s[%d:%d]", name, first, last),
			StartAddr:    startAddr + uint16(first)*rowRegisters,
			NumRegisters: uint16(last-first) * rowRegisters,
			Registers:    make(map[string]Register, (last-first)*len(fields)),
		}
		for ch := first; ch < last; ch++ {
			addr := startAddr + uint16(ch)*rowRegisters
			for _, field := range fields {
				block.Registers[ChannelKey(field.Name, ch)] = Register{
					StartAddr: addr,
					DataType:  field.DataType,
					Scale:     field.Scale,
				}
				addr += field.DataType.Registers()
			}
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}
