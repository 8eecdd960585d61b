package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrProtocolParse = errors.New("scpi: unparseable numeric payload")

// Result is the outcome of one reply: the command that was sent, its raw reply text and the
// numeric values parsed from it.
type Result struct {
	Command Command
	// Tag of the originating command (trace or channel number).
	Tag int
	// Raw reply, without the line terminator.
	Raw string
	// Parsed values, nil for kinds with no parser, empty when the payload could not be parsed.
	Values []float64
}

// ParseFunc parses a reply payload to numeric values.
type ParseFunc func(payload string) ([]float64, error)

var parseFuncMap = map[Kind]ParseFunc{
	KindSourcePowerLevelQuery:  ParseReals,
	KindOperationCompleteQuery: ParseReals,
	KindTraceDataFDAT:          parseEvenIndexed,
	KindTraceDataPower:         parseEvenIndexed,
	KindTraceDataXAxis:         parseFrequencyAxis,
}

// ParseFuncFor returns the parser of kind, or nil for kinds whose replies are not numeric.
func ParseFuncFor(kind Kind) ParseFunc {
	return parseFuncMap[kind]
}

func trimPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	payload = strings.TrimSuffix(payload, ",")
	return strings.TrimSpace(payload)
}

// ParseReals parses comma separated decimal values. An empty payload yields no values.
func ParseReals(payload string) ([]float64, error) {
	payload = trimPayload(payload)
	if payload == "" {
		return []float64{}, nil
	}
	fields := strings.Split(payload, ",")
	values := make([]float64, 0, len(fields))
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return []float64{}, fmt.Errorf("%w: value %d: %#v", ErrProtocolParse, i, field)
		}
		values = append(values, value)
	}
	return values, nil
}

// Trace data comes as amplitude / phase pairs: only amplitudes (even indexes) are kept.
func parseEvenIndexed(payload string) ([]float64, error) {
	values, err := ParseReals(payload)
	if err != nil {
		return values, err
	}
	amplitudes := make([]float64, 0, (len(values)+1)/2)
	for i := 0; i < len(values); i += 2 {
		amplitudes = append(amplitudes, values[i])
	}
	return amplitudes, nil
}

// The axis comes in Hz and is converted to kHz.
func parseFrequencyAxis(payload string) ([]float64, error) {
	values, err := ParseReals(payload)
	if err != nil {
		return values, err
	}
	for i := range values {
		values[i] = values[i] / 1000.0
	}
	return values, nil
}

// Parse builds the Result of reply to cmd. On ErrProtocolParse, the returned Result is still
// usable and carries empty values.
func Parse(cmd Command, reply string) (Result, error) {
	result := Result{
		Command: cmd,
		Tag:     cmd.Tag(),
		Raw:     strings.TrimRight(reply, "\r\n"),
	}
	parseFn := ParseFuncFor(cmd.Kind())
	if parseFn == nil {
		return result, nil
	}
	values, err := parseFn(reply)
	result.Values = values
	if err != nil {
		return result, fmt.Errorf("scpi: %s: %w", cmd, err)
	}
	return result, nil
}
