package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	iFmt "github.com/fornellas/vnac/internal/fmt"
	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

type OutputValue struct {
	path string
}

func NewOutputValue() *OutputValue {
	return &OutputValue{}
}

func (o *OutputValue) String() string {
	if len(o.path) > 0 {
		return o.path
	}
	return "(STDOUT)"
}

func (o *OutputValue) Set(value string) error {
	o.path = value
	return nil
}

func (o *OutputValue) Reset() {
	o.path = ""
}

func (o *OutputValue) Type() string {
	return "[path]"
}

func (o *OutputValue) WriterCloser() (io.WriteCloser, error) {
	if len(o.path) > 0 {
		return os.OpenFile(o.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(0644))
	}
	return os.Stdout, nil
}

type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatCSV  OutputFormat = "csv"
	OutputFormatYAML OutputFormat = "yaml"
)

var outputFormats = []OutputFormat{OutputFormatText, OutputFormatCSV, OutputFormatYAML}

type OutputFormatValue struct {
	format OutputFormat
}

func NewOutputFormatValue() *OutputFormatValue {
	return &OutputFormatValue{format: OutputFormatText}
}

func (o *OutputFormatValue) String() string {
	return string(o.format)
}

func (o *OutputFormatValue) Set(value string) error {
	for _, format := range outputFormats {
		if strings.EqualFold(value, string(format)) {
			o.format = format
			return nil
		}
	}
	return fmt.Errorf("invalid output format %#v, must be one of %v", value, outputFormats)
}

func (o *OutputFormatValue) Reset() {
	o.format = OutputFormatText
}

func (o *OutputFormatValue) Type() string {
	return "text|csv|yaml"
}

func (o *OutputFormatValue) Format() OutputFormat {
	return o.format
}

const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventData         = "data"
)

// Record is one line of output: an instrument event or a reply.
type Record struct {
	Time     time.Time `yaml:"time"`
	Event    string    `yaml:"event"`
	Endpoint string    `yaml:"endpoint,omitempty"`
	Code     string    `yaml:"code,omitempty"`
	Message  string    `yaml:"message,omitempty"`
	Command  string    `yaml:"command,omitempty"`
	Tag      int       `yaml:"tag,omitempty"`
	Raw      string    `yaml:"raw,omitempty"`
	Values   []float64 `yaml:"values,omitempty,flow"`
}

// NewDataRecord builds the record of result. The raw reply is only kept when it has no parsed
// values.
func NewDataRecord(result scpi.Result) Record {
	record := Record{
		Time:    time.Now(),
		Event:   EventData,
		Command: result.Command.String(),
		Tag:     result.Tag,
		Values:  result.Values,
	}
	if result.Values == nil {
		record.Raw = result.Raw
	}
	return record
}

func NewConnectedRecord(endpoint vna.Endpoint) Record {
	return Record{Time: time.Now(), Event: EventConnected, Endpoint: endpoint.String()}
}

func NewDisconnectedRecord() Record {
	return Record{Time: time.Now(), Event: EventDisconnected}
}

func NewErrorRecord(code vna.ErrorCode, message string) Record {
	return Record{Time: time.Now(), Event: EventError, Code: code.String(), Message: message}
}

func sprintValues(values []float64, sep string) string {
	strs := make([]string, len(values))
	for i, value := range values {
		strs[i] = iFmt.SprintFloat(value, 6)
	}
	return strings.Join(strs, sep)
}

type RecordWriter interface {
	Write(record Record) error
	// Close flushes pending output, it does not close the underlying writer.
	Close() error
}

func NewRecordWriter(w io.Writer, format OutputFormat) RecordWriter {
	switch format {
	case OutputFormatCSV:
		return newCsvRecordWriter(w)
	case OutputFormatYAML:
		return &yamlRecordWriter{encoder: yaml.NewEncoder(w)}
	default:
		return &textRecordWriter{w: w}
	}
}

type textRecordWriter struct {
	w io.Writer
}

func (t *textRecordWriter) Write(record Record) error {
	fields := []string{record.Time.Format(time.RFC3339Nano), record.Event}
	switch record.Event {
	case EventConnected:
		fields = append(fields, record.Endpoint)
	case EventError:
		fields = append(fields, record.Code, record.Message)
	case EventData:
		fields = append(fields, record.Command, strconv.Itoa(record.Tag))
		if record.Values != nil {
			fields = append(fields, sprintValues(record.Values, ","))
		} else {
			fields = append(fields, record.Raw)
		}
	}
	_, err := fmt.Fprintln(t.w, strings.Join(fields, " "))
	return err
}

func (t *textRecordWriter) Close() error {
	return nil
}

var csvHeader = []string{"time", "event", "endpoint", "code", "message", "command", "tag", "raw", "values"}

type csvRecordWriter struct {
	writer      *csv.Writer
	wroteHeader bool
}

func newCsvRecordWriter(w io.Writer) *csvRecordWriter {
	return &csvRecordWriter{writer: csv.NewWriter(w)}
}

func (c *csvRecordWriter) Write(record Record) error {
	if !c.wroteHeader {
		if err := c.writer.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	tag := ""
	if record.Event == EventData {
		tag = strconv.Itoa(record.Tag)
	}
	if err := c.writer.Write([]string{
		record.Time.Format(time.RFC3339Nano),
		record.Event,
		record.Endpoint,
		record.Code,
		record.Message,
		record.Command,
		tag,
		record.Raw,
		sprintValues(record.Values, ";"),
	}); err != nil {
		return err
	}
	c.writer.Flush()
	return c.writer.Error()
}

func (c *csvRecordWriter) Close() error {
	c.writer.Flush()
	return c.writer.Error()
}

// yamlRecordWriter writes one document per record.
type yamlRecordWriter struct {
	encoder *yaml.Encoder
}

func (y *yamlRecordWriter) Write(record Record) error {
	return y.encoder.Encode(record)
}

func (y *yamlRecordWriter) Close() error {
	return y.encoder.Close()
}

var outputValue = NewOutputValue()
var outputFormatValue = NewOutputFormatValue()

func AddOutputFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VarP(outputValue, "output", "o", "Path to output to, default is to stdout")
	cmd.PersistentFlags().Var(outputFormatValue, "output-format", "Output format")
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		outputValue.Reset()
		outputFormatValue.Reset()
	})
}
