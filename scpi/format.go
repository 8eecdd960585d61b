package scpi

import (
	"fmt"
	"strings"
)

// Format is a trace data format token.
type Format string

const (
	FormatLogMagnitude     Format = "MLOG"
	FormatLinearMagnitude  Format = "MLIN"
	FormatPhase            Format = "PHAS"
	FormatExpandedPhase    Format = "UPH"
	FormatGroupDelay       Format = "GDEL"
	FormatSWR              Format = "SWR"
	FormatReal             Format = "REAL"
	FormatImaginary        Format = "IMAG"
	FormatSmith            Format = "SMIT"
	FormatSmithAdmittance  Format = "SADM"
	FormatSmithLinear      Format = "SLIN"
	FormatSmithLog         Format = "SLOG"
	FormatSmithComplex     Format = "SCOM"
	FormatPolar            Format = "POL"
	FormatPolarLinear      Format = "PLIN"
	FormatPolarLogarithmic Format = "PLOG"
)

var formats = []Format{
	FormatLogMagnitude,
	FormatLinearMagnitude,
	FormatPhase,
	FormatExpandedPhase,
	FormatGroupDelay,
	FormatSWR,
	FormatReal,
	FormatImaginary,
	FormatSmith,
	FormatSmithAdmittance,
	FormatSmithLinear,
	FormatSmithLog,
	FormatSmithComplex,
	FormatPolar,
	FormatPolarLinear,
	FormatPolarLogarithmic,
}

// Long forms accepted by the instruments, mapped to their short token.
var formatAliases = map[string]Format{
	"PHASE":        FormatPhase,
	"UPHASE":       FormatExpandedPhase,
	"GDELAY":       FormatGroupDelay,
	"IMAGINARY":    FormatImaginary,
	"SMITH":        FormatSmith,
	"SADMITTANCE":  FormatSmithAdmittance,
	"SCOMPLEX":     FormatSmithComplex,
	"POLAR":        FormatPolar,
	"PLINEAR":      FormatPolarLinear,
	"PLOGARITHMIC": FormatPolarLogarithmic,
	"MLINEAR":      FormatLinearMagnitude,
	"MLOGARITHMIC": FormatLogMagnitude,
}

// ParseFormat parses a format token, case insensitive, short or long form.
func ParseFormat(s string) (Format, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, f := range formats {
		if string(f) == upper {
			return f, nil
		}
	}
	if f, ok := formatAliases[upper]; ok {
		return f, nil
	}
	return "", fmt.Errorf("scpi: unknown trace format: %#v", s)
}

func (f Format) String() string {
	return string(f)
}
