package main

import (
	"context"
	"errors"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

var SendCmd = &cobra.Command{
	Use:   "send command...",
	Short: "Send SCPI commands and write the replies.",
	Long:  "Sends each argument as a SCPI command line, in order. Commands containing '?' are queries and their replies are written to the output.",
	Args:  cobra.MinimumNArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"address", address,
			"output", outputValue,
		)
		cmd.SetContext(ctx)

		endpoint, err := GetEndpoint()
		if err != nil {
			return err
		}

		batch := make([]scpi.Command, len(args))
		for i, arg := range args {
			batch[i] = scpi.Query(arg)
		}

		w, err := outputValue.WriterCloser()
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, w.Close()) }()
		recordWriter := NewRecordWriter(w, outputFormatValue.Format())
		defer func() { err = errors.Join(err, recordWriter.Close()) }()

		return WithClient(ctx, nil, nil, func(ctx context.Context, client *vna.Client) error {
			logger.Info("Sending", "commands", len(batch))
			results, err := client.Exec(ctx, endpoint, batch)
			for _, result := range results {
				if writeErr := recordWriter.Write(NewDataRecord(result)); writeErr != nil {
					return errors.Join(err, writeErr)
				}
			}
			return err
		})
	}),
}

func init() {
	AddInstrumentFlags(SendCmd)
	AddOutputFlags(SendCmd)

	RootCmd.AddCommand(SendCmd)
}
