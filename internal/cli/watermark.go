package cli

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

// NewWatermarkCommand creates the watermark command and its encode/decode subcommands.
func NewWatermarkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Convert between upstream timestamps and downstream watermarks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "encode <timestamp>",
		Short:        "Encode a decimal timestamp as a watermark",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, ok := new(big.Int).SetString(args[0], 10)
			if !ok {
				return fmt.Errorf("%w: %q is not a decimal timestamp", watermark.ErrMalformed, args[0])
			}
			w, err := watermark.FromBig(v)
			if err != nil {
				return err
			}
			s, err := watermark.Encode(w)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "decode <watermark>",
		Short:        "Decode a watermark to its decimal timestamp",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := watermark.Decode(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.String())
			return nil
		},
	})

	return cmd
}
