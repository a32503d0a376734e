package modbusaccess

import (
	"fmt"
	"maps"
)

// RegisterReader is the part of a modbus client needed for polling. github.com/grid-x/modbus clients satisfy it.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) (results []byte, err error)
}

// PollBlocks reads all the register `blocks` from the `reader` and returns a map of the parsed values, keyed by metric name.
func PollBlocks(reader RegisterReader, blocks []RegisterBlock) (map[string]float64, error) {

	allMetrics := make(map[string]float64)

	for _, block := range blocks {
		blockMetrics, err := PollBlock(reader, block)
		if err != nil {
			return nil, fmt.Errorf("poll block '%s': %w", block.Name, err)
		}
		maps.Copy(allMetrics, blockMetrics)
	}

	return allMetrics, nil
}

// PollBlock reads a single register `block` from the `reader` and returns a map of the parsed values, keyed by metric name.
func PollBlock(reader RegisterReader, block RegisterBlock) (map[string]float64, error) {

	// read the whole block of bytes from the modbus device
	bytes, err := reader.ReadHoldingRegisters(block.StartAddr, block.NumRegisters)
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}

	// extract each metric of interest from the block of bytes
	metrics := make(map[string]float64, len(block.Registers))
	for key, register := range block.Registers {

		// sanity check the configuration to avoid out of bound panics
		offset := (int(register.StartAddr) - int(block.StartAddr)) * 2 // registers are two bytes long
		if offset < 0 {
			return nil, fmt.Errorf("register configuration for '%s' preceeds block", key)
		}
		if offset+int(register.DataType.dataLength) > len(bytes) {
			return nil, fmt.Errorf("register configuration for '%s' exceeds block", key)
		}

		registerBytes := bytes[offset:(offset + int(register.DataType.dataLength))]
		val := register.DataType.fromBytesFunc(registerBytes)

		if register.Scale != 0 {
			val *= register.Scale
		}

		metrics[key] = val
	}

	return metrics, nil
}
