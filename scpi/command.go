package scpi

import (
	"fmt"
	"strings"

	iFmt "github.com/fornellas/vnac/internal/fmt"
)

// Command is one SCPI operation: the wire text, whether the instrument replies to it, and a tag
// (trace or channel number) used to route the parsed reply back to its consumer.
// Command is an immutable value: copying it hands over an independent command.
type Command struct {
	kind         Kind
	expectsReply bool
	tag          int
	wireText     string
}

func newCommand(kind Kind, expectsReply bool, tag int, format string, args ...any) Command {
	wireText := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(wireText, "\n") {
		wireText += "\n"
	}
	return Command{
		kind:         kind,
		expectsReply: expectsReply,
		tag:          tag,
		wireText:     wireText,
	}
}

// Raw creates a command from arbitrary wire text. A newline is appended when missing. Replies to
// raw commands are not parsed.
func Raw(expectsReply bool, tag int, wireText string) Command {
	return newCommand(KindRaw, expectsReply, tag, "%s", wireText)
}

// Query creates a raw command for text, expecting a reply when text is a query (contains '?').
func Query(text string) Command {
	return Raw(strings.Contains(text, "?"), 0, text)
}

func (c Command) Kind() Kind {
	return c.kind
}

func (c Command) ExpectsReply() bool {
	return c.expectsReply
}

func (c Command) Tag() int {
	return c.tag
}

// WireText returns the newline terminated text sent to the instrument.
func (c Command) WireText() string {
	return c.wireText
}

func (c Command) String() string {
	return strings.TrimRight(c.wireText, "\r\n")
}

// IsBulkDataQuery tells whether the command queries trace or axis data. Such replies scale with
// the sweep size and take longer to arrive.
func (c Command) IsBulkDataQuery() bool {
	switch c.kind {
	case KindTraceDataFDAT, KindTraceDataPower, KindTraceDataXAxis:
		return true
	}
	upper := strings.ToUpper(c.wireText)
	return strings.Contains(upper, "FDAT") || strings.Contains(upper, "XAXIS")
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// SystemPreset resets the instrument to its default configuration.
func SystemPreset() Command {
	return newCommand(KindSystemPreset, false, 0, "SYST:PRESet")
}

// SystemChannel selects the active channel.
func SystemChannel(channel int) Command {
	return newCommand(KindSystemChannel, false, channel, "SYST:CHAN %d", channel)
}

func DisplayWindowActivate(window int) Command {
	return newCommand(KindDisplayWindowActivate, false, window, "DISP:WINDow%d:ACTivate", window)
}

// SourcePowerLevel sets the port output power of channel.
func SourcePowerLevel(channel int, powerDBm float64) Command {
	return newCommand(
		KindSourcePowerLevel, false, 0,
		"SOURce%d:POWer:LEVel:IMMediate:AMPLitude %s", channel, iFmt.SprintFloat(powerDBm, 3),
	)
}

// SourcePowerLevelQuery reads the port output power of channel. Its tag is 100+channel.
func SourcePowerLevelQuery(channel int) Command {
	return newCommand(
		KindSourcePowerLevelQuery, true, 100+channel,
		"SOURce%d:POWer:LEVel:IMMediate:AMPLitude?", channel,
	)
}

// SourcePowerPortCouple sets whether all ports of channel share the same output power.
func SourcePowerPortCouple(channel int, on bool) Command {
	return newCommand(KindSourcePowerPortCouple, false, 0, "SOURce%d:POWer:PORT:COUPle %s", channel, onOff(on))
}

func OutputState(port int, on bool) Command {
	return newCommand(KindOutputState, false, 0, "OUTPut%d:STATe %s", port, onOff(on))
}

func SenseFrequencyStart(frequencyHz int64) Command {
	return newCommand(KindSenseFrequencyStart, false, 0, "SENS:FREQ:STAR %s", iFmt.SprintInt(frequencyHz))
}

func SenseFrequencyStop(frequencyHz int64) Command {
	return newCommand(KindSenseFrequencyStop, false, 0, "SENS:FREQ:STOP %s", iFmt.SprintInt(frequencyHz))
}

// SenseFrequencyFixed sets the fixed (CW) frequency used by power sweeps.
func SenseFrequencyFixed(frequencyHz int64) Command {
	return newCommand(KindSenseFrequencyFixed, false, 0, "SENS:FREQ:CW %s", iFmt.SprintInt(frequencyHz))
}

func SenseSweepPoints(points int) Command {
	return newCommand(KindSenseSweepPoints, false, 0, "SENS:SWE:POIN %d", points)
}

func SenseBandwidth(bandwidthHz int64) Command {
	return newCommand(KindSenseBandwidth, false, 0, "SENS:BAND %s", iFmt.SprintInt(bandwidthHz))
}

// SenseSweepType sets the sweep type, eg: LIN, LOG, SEGM, POW.
func SenseSweepType(sweepType string) Command {
	return newCommand(KindSenseSweepType, false, 0, "SENS:SWE:TYPE %s", sweepType)
}

// TriggerSourceBus selects the software (bus) trigger source.
func TriggerSourceBus() Command {
	return newCommand(KindTriggerSourceBus, false, 0, "TRIGger:SEQuence:SOURce BUS")
}

// TriggerSingle triggers one acquisition.
func TriggerSingle() Command {
	return newCommand(KindTriggerSingle, false, 0, "TRIGger:SEQuence:SINGle")
}

func InitiateContinuous(channel int, on bool) Command {
	return newCommand(KindInitiateContinuous, false, channel, "INITiate%d:CONTinuous %s", channel, onOff(on))
}

func Abort() Command {
	return newCommand(KindAbort, false, 0, ":ABOR")
}

// OperationCompleteQuery is answered with "1" once all pending operations are done.
func OperationCompleteQuery() Command {
	return newCommand(KindOperationCompleteQuery, true, 0, "*OPC?")
}

func Wait() Command {
	return newCommand(KindWait, false, 0, "*WAI")
}

func ParameterCount(count int) Command {
	return newCommand(KindParameterCount, false, 0, "CALC1:PAR:COUN %d", count)
}

// ParameterDefine assigns a measurement parameter (eg: S11, S21, R11) to trace.
func ParameterDefine(trace int, parameter string) Command {
	return newCommand(KindParameterDefine, false, trace, "CALC1:PAR%d:DEF %s", trace, parameter)
}

func ParameterSourcePort(trace int, port int) Command {
	return newCommand(KindParameterSourcePort, false, trace, "CALC1:PAR%d:SPOR %d", trace, port)
}

// ParameterDelete removes trace from channel 1. Deleting an undefined trace is harmless.
func ParameterDelete(trace int) Command {
	return newCommand(KindParameterDelete, false, trace, "CALCulate1:PARameter:DEL 'Tr%d'", trace)
}

func TraceSelect(trace int) Command {
	return newCommand(KindTraceSelect, false, trace, "CALC1:PAR%d:SEL", trace)
}

func TraceFormat(trace int, format Format) Command {
	return newCommand(KindTraceFormat, false, trace, "CALC1:TRAC%d:FORM %s", trace, format)
}

func DisplayTraceActivate(window int, trace int) Command {
	return newCommand(KindDisplayTraceActivate, false, trace, "DISP:WIND%d:TRAC%d:ACT", window, trace)
}

// TraceDataFDAT reads the formatted data of trace.
func TraceDataFDAT(trace int) Command {
	return newCommand(KindTraceDataFDAT, true, trace, "CALC:TRAC%d:DATA:FDAT?", trace)
}

// TraceDataPower reads the formatted data of a receiver power trace.
func TraceDataPower(trace int) Command {
	return newCommand(KindTraceDataPower, true, trace, "CALC:TRAC%d:DATA:FDAT?", trace)
}

// TraceDataXAxis reads the stimulus (frequency) axis of trace.
func TraceDataXAxis(trace int) Command {
	return newCommand(KindTraceDataXAxis, true, trace, "CALC:TRAC%d:DATA:XAXIS?", trace)
}
