package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deepquery/internal/frames"
)

func newWaitCmd(opts *rootOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "wait SELECTOR",
		Short: "Wait until a selector reaches a state",
		Long: `Polls until SELECTOR is attached, detached, visible or hidden, or the
timeout passes. On success prints the element for attached and visible, and
the state name otherwise. On timeout the error includes the call log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			frame, release, err := openFrame(ctx, opts)
			if err != nil {
				return err
			}
			defer release()

			h, err := frame.WaitForSelector(ctx, args[0], frames.WaitOptions{Options: opts.frameOptions(), State: state})
			if err != nil {
				return err
			}
			if h == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), state)
				return err
			}
			defer func() { _ = h.Dispose(context.WithoutCancel(ctx)) }()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h.Preview())
			return err
		},
	}
	cmd.Flags().StringVar(&state, "state", frames.StateVisible, "attached, detached, visible or hidden")
	return cmd
}
