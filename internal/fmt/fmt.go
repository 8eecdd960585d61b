package fmt

import (
	"strconv"
	"strings"
)

// SprintFloat formats value with at most decimal digits after the point, dropping trailing
// zeroes. Negative zero is printed as "0".
func SprintFloat(value float64, decimal uint) string {
	floatStr := strconv.FormatFloat(value, 'f', int(decimal), 64)
	if decimal > 0 {
		floatStr = strings.TrimRight(strings.TrimRight(floatStr, "0"), ".")
	}
	if floatStr == "-0" {
		floatStr = "0"
	}
	return floatStr
}

// SprintInt formats an integer SCPI argument.
func SprintInt(value int64) string {
	return strconv.FormatInt(value, 10)
}
