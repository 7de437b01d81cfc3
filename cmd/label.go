package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/labeler/internal/labeling"
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Label images from the terminal",
}

// -- label next --

var labelNextCmd = &cobra.Command{
	Use:   "next <session-id>",
	Short: "Show the next image to label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		turn, err := env.Queue.Next(ctx, id)
		if err != nil {
			return err
		}
		return writeTurn(os.Stdout, env.Source.Path, turn)
	},
}

// -- label submit --

var labelSubmitCmd = &cobra.Command{
	Use:   "submit <session-id> <filename> <label>",
	Short: "Record a label and show the next image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		turn, err := env.Queue.Submit(ctx, id, args[1], args[2])
		if err != nil {
			return err
		}
		return writeTurn(os.Stdout, env.Source.Path, turn)
	},
}

func init() {
	labelCmd.AddCommand(labelNextCmd)
	labelCmd.AddCommand(labelSubmitCmd)
	rootCmd.AddCommand(labelCmd)
}

// turnOutput adds the on-disk path to a turn for terminal users.
type turnOutput struct {
	*labeling.Turn
	Path string `json:"path,omitempty"`
}

func writeTurn(out io.Writer, path func(string) string, turn *labeling.Turn) error {
	o := turnOutput{Turn: turn}
	if turn.ImageName != "" {
		o.Path = path(turn.ImageName)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}
