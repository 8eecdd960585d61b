package main

import (
	"context"
	"errors"
	"reflect"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

// getScriptExports returns the symbols of the "vnac" package available to scripts, bound to
// client and endpoint.
func getScriptExports(ctx context.Context, client *vna.Client, endpoint vna.Endpoint) interp.Exports {
	exec := func(cmd scpi.Command) ([]scpi.Result, error) {
		return client.Exec(ctx, endpoint, []scpi.Command{cmd})
	}
	query := func(command string) (scpi.Result, error) {
		results, err := exec(scpi.Raw(true, 0, command))
		if err != nil {
			return scpi.Result{}, err
		}
		if len(results) == 0 {
			return scpi.Result{}, errors.New("no reply")
		}
		return results[0], nil
	}
	return interp.Exports{
		"vnac/vnac": {
			"Endpoint": reflect.ValueOf(func() string {
				return endpoint.String()
			}),
			"Write": reflect.ValueOf(func(command string) error {
				_, err := exec(scpi.Raw(false, 0, command))
				return err
			}),
			"Query": reflect.ValueOf(func(command string) (string, error) {
				result, err := query(command)
				return result.Raw, err
			}),
			"QueryReals": reflect.ValueOf(func(command string) ([]float64, error) {
				result, err := query(command)
				if err != nil {
					return nil, err
				}
				return scpi.ParseReals(result.Raw)
			}),
		},
	}
}

var ScriptCmd = &cobra.Command{
	Use:   "script path",
	Short: "Execute a Go script against the instrument.",
	Long:  "Interprets the Go script at path. Besides the standard library, it can import \"vnac\", which provides Write(command) error, Query(command) (string, error), QueryReals(command) ([]float64, error) and Endpoint() string.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"path", path,
			"address", address,
		)
		cmd.SetContext(ctx)

		endpoint, err := GetEndpoint()
		if err != nil {
			return err
		}

		return WithClient(ctx, nil, nil, func(ctx context.Context, client *vna.Client) error {
			interpreter := interp.New(interp.Options{
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
			if err := interpreter.Use(stdlib.Symbols); err != nil {
				return err
			}
			if err := interpreter.Use(getScriptExports(ctx, client, endpoint)); err != nil {
				return err
			}

			logger.Info("Running")
			if _, err := interpreter.EvalPathWithContext(ctx, path); err != nil {
				return err
			}
			return nil
		})
	}),
}

func init() {
	AddInstrumentFlags(ScriptCmd)

	RootCmd.AddCommand(ScriptCmd)
}
