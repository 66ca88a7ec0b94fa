package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/k3suav/shadow-gcs/pkg/comms"
)

var decodeOpts struct {
	maxPacketSize uint32
	summary       bool
}

var decodeCmd = &cobra.Command{
	Use:   "decode [capture]",
	Short: "Decode a raw drone link capture and print its messages",
	Long: "Decode reads a byte stream recorded from a drone link (a file, or stdin when\n" +
		"no file or \"-\" is given), resynchronizes over corrupt data and prints\n" +
		"every decoded message followed by framing statistics.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open capture: %w", err)
			}
			defer f.Close()
			src = f
		}
		return decode(cmd, src)
	},
}

func init() {
	decodeCmd.Flags().Uint32Var(&decodeOpts.maxPacketSize, "max-packet-size", comms.DefaultMaxPacketSize, "largest declared packet size accepted before resynchronizing")
	decodeCmd.Flags().BoolVar(&decodeOpts.summary, "summary", false, "print one line per message instead of its fields")
}

func decode(cmd *cobra.Command, src io.Reader) error {
	out := cmd.OutOrStdout()
	counts := make(map[uint8]int)
	var order []uint8

	rx := comms.NewReceiver(func(msg comms.Message) {
		tag := msg.Tag()
		if counts[tag] == 0 {
			order = append(order, tag)
		}
		counts[tag]++

		fmt.Fprintf(out, "#%d %s\n", counts[tag], comms.TagName(tag))
		if decodeOpts.summary {
			return
		}
		if s, ok := msg.(fmt.Stringer); ok {
			fmt.Fprintln(out, s.String())
		}
	},
		comms.WithReceiverLogger(log),
		comms.WithMaxPacketSize(decodeOpts.maxPacketSize),
	)

	if err := rx.Run(cmd.Context(), src); err != nil {
		return fmt.Errorf("read capture: %w", err)
	}

	packets, framing, decodeErrs := rx.Stats()
	fmt.Fprintf(out, "packets=%d framing_errors=%d decode_errors=%d trailing_bytes=%d\n",
		packets, framing, decodeErrs, rx.Pending())
	for _, tag := range order {
		fmt.Fprintf(out, "  %-24s %d\n", comms.TagName(tag), counts[tag])
	}
	return nil
}
