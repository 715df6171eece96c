package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relmigrate/relmigrate/engine"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/wire"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <wire-stream-file>",
		Short: "Replay a recorded precopy stream and print the resulting counters",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return &engine.TransportError{Err: err}
	}

	t := wire.NewMemTransportFrom(data)
	store := region.NewStore()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	dst, err := engine.NewDestination(t, store, engine.Config{}, log, func(_ string, length int64) []byte {
		return make([]byte, length)
	})
	if err != nil {
		return &engine.ProtocolError{Err: err}
	}

	if _, err := dst.Load(); err != nil {
		return &engine.TransportError{Err: err}
	}

	data, err = json.MarshalIndent(dst.Stats(), "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	return nil
}
