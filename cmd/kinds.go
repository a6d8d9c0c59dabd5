package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/recognizer"
)

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the recognizer kinds a task configuration can use",
	Run: func(cmd *cobra.Command, args []string) {
		listKinds(os.Stdout, recognizer.DefaultRegistry(Logger))
	},
}

func init() {
	rootCmd.AddCommand(kindsCmd)
}

var kindDescriptions = map[params.Kind]string{
	params.KindTemplate: "normalized cross-correlation against template images",
	params.KindColor:    "connected blobs inside an RGB range",
	params.KindExternal: "helper process over the length-prefixed pipe protocol",
}

func listKinds(out io.Writer, reg *recognizer.Registry) {
	kinds := reg.Kinds()
	if len(kinds) == 0 {
		fmt.Fprintln(out, "No recognizer kinds registered.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	for _, k := range kinds {
		desc, ok := kindDescriptions[k]
		if !ok {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", k, desc)
	}
	w.Flush()
}
