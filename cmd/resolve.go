package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/frames"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var wait, first bool

	cmd := &cobra.Command{
		Use:   "resolve SELECTOR",
		Short: "Print every element a selector matches, in document order",
		Long: `Resolves SELECTOR in the main frame and prints one line per match: a short
preview, the backend node id and the element's tree position. Closed shadow
roots are searched; use "internal:control=enter-frame" to step into iframes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			frame, release, err := openFrame(ctx, opts)
			if err != nil {
				return err
			}
			defer release()

			handles, err := resolveHandles(ctx, frame, args[0], opts.frameOptions(), wait, first)
			if err != nil {
				return err
			}
			defer dom.DisposeAll(context.WithoutCancel(ctx), handles)
			return printHandles(cmd.OutOrStdout(), handles)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the selector matches instead of trying once")
	cmd.Flags().BoolVar(&first, "first", false, "only print the first match")
	return cmd
}

func resolveHandles(ctx context.Context, frame *frames.Frame, sel string, opts frames.Options, wait, first bool) ([]*dom.ElementHandle, error) {
	switch {
	case wait && first:
		h, err := frame.WaitForSelector(ctx, sel, frames.WaitOptions{Options: opts, State: frames.StateAttached})
		if err != nil {
			return nil, err
		}
		return []*dom.ElementHandle{h}, nil
	case wait:
		// One polling pass both waits and lists, so the output is exactly
		// what matched.
		return frame.WaitForAll(ctx, sel, opts)
	case first:
		h, err := frame.ResolveFirst(ctx, sel, opts)
		if err != nil || h == nil {
			return nil, err
		}
		return []*dom.ElementHandle{h}, nil
	default:
		return frame.ResolveAll(ctx, sel, opts)
	}
}

func printHandles(w io.Writer, handles []*dom.ElementHandle) error {
	for _, h := range handles {
		position := "?"
		if pos, ok := h.Position(); ok {
			position = pos.String()
		}
		if _, err := fmt.Fprintf(w, "%s\tbackend=%d\tposition=%s\n", h.Preview(), h.BackendNodeID(), position); err != nil {
			return err
		}
	}
	return nil
}

func newCountCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count SELECTOR",
		Short: "Print how many elements a selector matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			frame, release, err := openFrame(ctx, opts)
			if err != nil {
				return err
			}
			defer release()

			n, err := frame.Count(ctx, args[0], opts.frameOptions())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}
