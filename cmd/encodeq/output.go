package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// respond writes v as indented JSON when asJSON is set and otherwise hands
// the command's stdout to human.
func respond(cmd *cobra.Command, asJSON bool, v any, human func(io.Writer)) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(out)
	return nil
}
