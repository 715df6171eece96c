package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relmigrate/relmigrate/engine"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/wire"
)

var regionBytesFlag int64

func newCacheSizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-set-cache-size <bytes>",
		Short: "Resize the XBZRLE delta cache (migrate_set_cache_size)",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheSize,
	}

	cmd.Flags().Int64Var(&regionBytesFlag, "region-bytes", 64*1024*1024,
		"total addressable memory of the session the cache is sized against")

	return cmd
}

func runCacheSize(cmd *cobra.Command, args []string) error {
	bytes, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return &engine.ProtocolError{Err: err}
	}

	store := region.NewStore()
	if err := store.Register(&region.Region{
		ID:         "pc.ram",
		Host:       make([]byte, regionBytesFlag),
		UsedLength: regionBytesFlag,
		MaxLength:  regionBytesFlag,
		PageSize:   region.TargetPageSize,
		Migratable: true,
	}); err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	e, err := engine.NewSource(wire.NewMemTransport(), store, engine.Config{
		XBZRLEEnabled:    true,
		XBZRLECacheBytes: int(regionBytesFlag / 2),
	}, log)
	if err != nil {
		return err
	}

	if err := e.ResizeCache(int(bytes)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "cache resized to %d bytes (capacity now %d)\n", bytes, e.Cache.CapacityBytes())

	return nil
}
