package main

import (
	"fmt"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var ProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether the instrument accepts connections.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"address", address,
		)
		cmd.SetContext(ctx)

		endpoint, err := GetEndpoint()
		if err != nil {
			return err
		}

		client, err := NewClient(nil)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := client.Close(ctx); closeErr != nil && err == nil {
				err = closeErr
			}
		}()

		if !client.CanConnect(ctx, endpoint.Host, int(endpoint.Port)) {
			return fmt.Errorf("%s: unreachable", endpoint)
		}
		logger.Info("Reachable")
		return nil
	}),
}

func init() {
	ProbeCmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "Instrument SCPI TCP address (host:port)")

	RootCmd.AddCommand(ProbeCmd)
}
