package util

import "strconv"

// FormatHz renders a clock rate with the largest unit that keeps it at or above one, e.g. 1.5MHz or 93.75kHz.
func FormatHz(hz int) string {
	switch {
	case hz >= 1_000_000:
		return strconv.FormatFloat(float64(hz)/1e6, 'f', -1, 64) + "MHz"
	case hz >= 1_000:
		return strconv.FormatFloat(float64(hz)/1e3, 'f', -1, 64) + "kHz"
	default:
		return strconv.Itoa(hz) + "Hz"
	}
}
