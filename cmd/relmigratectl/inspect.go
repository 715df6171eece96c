package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relmigrate/relmigrate/engine"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/wire"
)

var inspectPostcopy bool

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <wire-stream-file>",
		Short: "Dump a recorded wire stream's frame sequence",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().BoolVar(&inspectPostcopy, "postcopy", false,
		"the recorded session negotiated post-copy (affects handshake region-record decoding)")

	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return &engine.TransportError{Err: err}
	}

	t := wire.NewMemTransportFrom(data)

	totalBytes, records, err := wire.ReadHandshake(t, inspectPostcopy)
	if err != nil {
		return &engine.ProtocolError{Err: err}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "MEM_SIZE %d bytes, %d region(s)\n", totalBytes, len(records))

	for _, rec := range records {
		fmt.Fprintf(out, "  region %q used=%d\n", rec.ID, rec.UsedLength)
	}

	lastRegion := ""
	n := 0

	for {
		word, err := t.GetBE64()
		if err != nil {
			fmt.Fprintf(out, "%d frame(s), stream ended without EOS\n", n)
			return nil
		}

		f := wire.DecodeWord(word)

		if f.Flags.Has(wire.FlagEOS) {
			fmt.Fprintf(out, "EOS after %d frame(s)\n", n)
			return nil
		}

		if f.Flags.Has(wire.FlagPageRequest) {
			length, id, err := wire.ReadPageRequest(t)
			if err != nil {
				return &engine.ProtocolError{Err: err}
			}

			fmt.Fprintf(out, "  [%d] region=%q offset=%d PAGE_REQUEST length=%d\n", n, id, f.Offset, length)
			n++

			continue
		}

		regionID := lastRegion
		if !f.Flags.Has(wire.FlagContinue) {
			regionID, err = wire.ReadRegionID(t)
			if err != nil {
				return &engine.ProtocolError{Err: err}
			}

			lastRegion = regionID
		}

		desc, err := describeFrame(t, f)
		if err != nil {
			return &engine.ProtocolError{Err: err}
		}

		fmt.Fprintf(out, "  [%d] region=%q offset=%d %s\n", n, regionID, f.Offset, desc)
		n++
	}
}

// describeFrame consumes and summarizes one frame's payload, mirroring
// the byte layout receiver.applyFrame decodes on the real receive path,
// without touching any host memory.
func describeFrame(t wire.Transport, f wire.Frame) (string, error) {
	switch {
	case f.Flags.Has(wire.FlagPageRequest):
		length, err := t.GetBE64()
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("PAGE_REQUEST length=%d", length), nil

	case f.Flags.Has(wire.FlagReceivedMapRequest):
		return "RECEIVED_MAP_REQUEST", nil

	case f.Flags.Has(wire.FlagReceivedMapReply):
		n, err := t.GetBE32()
		if err != nil {
			return "", err
		}

		for i := uint32(0); i < n; i++ {
			if _, err := t.GetBE64(); err != nil {
				return "", err
			}
		}

		return fmt.Sprintf("RECEIVED_MAP_REPLY words=%d", n), nil

	case f.Flags.Has(wire.FlagZero):
		if _, err := t.GetByte(); err != nil {
			return "", err
		}

		return "ZERO", nil

	case f.Flags.Has(wire.FlagPage):
		if _, err := t.GetBytes(region.TargetPageSize); err != nil {
			return "", err
		}

		return "PAGE", nil

	case f.Flags.Has(wire.FlagXBZRLE):
		tag, err := t.GetByte()
		if err != nil {
			return "", err
		}

		n, err := t.GetBE16()
		if err != nil {
			return "", err
		}

		if _, err := t.GetBytes(int(n)); err != nil {
			return "", err
		}

		return fmt.Sprintf("XBZRLE tag=%#x len=%d", tag, n), nil

	case f.Flags.Has(wire.FlagCompressPage):
		n, err := t.GetBE32()
		if err != nil {
			return "", err
		}

		if _, err := t.GetBytes(int(n)); err != nil {
			return "", err
		}

		return fmt.Sprintf("COMPRESS_PAGE len=%d", n), nil

	default:
		return "", wire.ErrUnknownFlags
	}
}
