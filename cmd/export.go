package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Copy labeled images into one folder per label",
	Long: `Copies every labeled image of a session into <out>/<label>/<name> and
writes <out>/manifest.xlsx with a labels sheet and a classes sheet.`,
	Args: cobra.ExactArgs(1),
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

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(cfg.Export.Dir, "session-"+strconv.FormatInt(id, 10))
		}

		res, err := env.Exporter.Export(ctx, id, out)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output directory (default <export.dir>/session-<id>)")
	rootCmd.AddCommand(exportCmd)
}
