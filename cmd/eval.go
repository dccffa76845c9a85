package cmd

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
)

func newEvalCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "eval SELECTOR FUNCTION [JSON_ARG...]",
		Short: "Call a function on the first match and print the JSON result",
		Long: `Waits for SELECTOR and calls FUNCTION with the element as its first argument,
followed by the JSON_ARGs. With --all the function receives an array of every
current match instead and nothing is waited for.`,
		Example: `  deepquery eval --html page.html '#b' '(el, suffix) => el.id + suffix' '"!"'
  deepquery eval --all --html page.html '.item' '(els) => els.length'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := decodeArgs(args[2:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			frame, release, err := openFrame(ctx, opts)
			if err != nil {
				return err
			}
			defer release()

			var out jsontext.Value
			if all {
				out, err = frame.EvalOnSelectorAll(ctx, args[0], opts.frameOptions(), args[1], extra...)
			} else {
				out, err = frame.EvalOnSelector(ctx, args[0], opts.frameOptions(), args[1], extra...)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "pass every match as an array")
	return cmd
}

func decodeArgs(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("argument %d is not valid JSON: %w", i+1, err)
		}
		out = append(out, v)
	}
	return out, nil
}
