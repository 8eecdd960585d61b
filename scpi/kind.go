package scpi

import "fmt"

// Kind identifies a command of the catalogue. Together with the command tag, it defines how a
// reply is parsed.
type Kind int

const (
	// Arbitrary command, replies are delivered unparsed.
	KindRaw Kind = iota
	KindSystemPreset
	KindSourcePowerLevel
	KindSourcePowerLevelQuery
	KindSenseFrequencyStart
	KindSenseFrequencyStop
	KindSenseFrequencyFixed
	KindSenseSweepPoints
	KindSenseBandwidth
	KindSenseSweepType
	KindTriggerSourceBus
	KindTriggerSingle
	KindInitiateContinuous
	KindAbort
	KindOperationCompleteQuery
	KindWait
	KindParameterCount
	KindParameterDefine
	KindParameterSourcePort
	KindTraceSelect
	KindTraceFormat
	KindDisplayTraceActivate
	KindTraceDataFDAT
	KindTraceDataPower
	KindTraceDataXAxis
	KindSystemChannel
	KindDisplayWindowActivate
	KindSourcePowerPortCouple
	KindOutputState
	KindParameterDelete
	kindCount
)

var kindStringsMap = map[Kind]string{
	KindRaw:                    "Raw",
	KindSystemPreset:           "System Preset",
	KindSourcePowerLevel:       "Source Power Level",
	KindSourcePowerLevelQuery:  "Source Power Level Query",
	KindSenseFrequencyStart:    "Sense Frequency Start",
	KindSenseFrequencyStop:     "Sense Frequency Stop",
	KindSenseFrequencyFixed:    "Sense Frequency Fixed",
	KindSenseSweepPoints:       "Sense Sweep Points",
	KindSenseBandwidth:         "Sense Bandwidth",
	KindSenseSweepType:         "Sense Sweep Type",
	KindTriggerSourceBus:       "Trigger Source Bus",
	KindTriggerSingle:          "Trigger Single",
	KindInitiateContinuous:     "Initiate Continuous",
	KindAbort:                  "Abort",
	KindOperationCompleteQuery: "Operation Complete Query",
	KindWait:                   "Wait",
	KindParameterCount:         "Parameter Count",
	KindParameterDefine:        "Parameter Define",
	KindParameterSourcePort:    "Parameter Source Port",
	KindTraceSelect:            "Trace Select",
	KindTraceFormat:            "Trace Format",
	KindDisplayTraceActivate:   "Display Trace Activate",
	KindTraceDataFDAT:          "Trace Data FDAT",
	KindTraceDataPower:         "Trace Data Power",
	KindTraceDataXAxis:         "Trace Data X-Axis",
	KindSystemChannel:          "System Channel",
	KindDisplayWindowActivate:  "Display Window Activate",
	KindSourcePowerPortCouple:  "Source Power Port Couple",
	KindOutputState:            "Output State",
	KindParameterDelete:        "Parameter Delete",
}

func (k Kind) String() string {
	if str, ok := kindStringsMap[k]; ok {
		return str
	}
	return fmt.Sprintf("Unknown (%d)", int(k))
}

// Kinds returns all known kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindStringsMap))
	for k := KindRaw; k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
