package phasematch

import "strings"

// ToggleSign inverts the sign of a string encoded calibration value by stripping or prepending a leading '-'.
// An empty value has no sign to toggle and is returned as is.
func ToggleSign(value string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "-") {
		return value[1:]
	}
	return "-" + value
}

// WithPhaseSuffix replaces everything after the last '.' in name with the phase letter.
// Names without a '.' get the suffix appended.
func WithPhaseSuffix(name string, phase byte) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name + "." + string(phase)
	}
	return name[:i+1] + string(phase)
}

// RotatePhases advances every phase letter in labels by one step (A->B, B->C, C->A).
// Other characters are left alone.
func RotatePhases(labels string) string {
	rotated := []byte(labels)
	for i, c := range rotated {
		switch c {
		case 'A':
			rotated[i] = 'B'
		case 'B':
			rotated[i] = 'C'
		case 'C':
			rotated[i] = 'A'
		}
	}
	return string(rotated)
}
