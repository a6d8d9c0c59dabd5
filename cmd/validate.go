package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/reference"
)

var (
	validateGroup string
	validateRefs  string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a task group and its reference links without running them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		refs := validateRefs
		if refs == "" && Cfg != nil {
			refs = Cfg.Reference.Path
		}

		problems, err := checkGroup(validateGroup, refs)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintf(os.Stderr, "❌ %s\n", p)
			}
			return fmt.Errorf("%d problem(s) found", len(problems))
		}
		fmt.Fprintf(os.Stderr, "✅ %s is valid\n", validateGroup)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateGroup, "group", "g", "", "Task group file (YAML or JSON)")
	validateCmd.Flags().StringVarP(&validateRefs, "references", "r", "", "Reference link file")
	validateCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(validateCmd)
}

// checkGroup loads both files and lists every problem found. The error is
// reserved for files that cannot be read or parsed at all.
func checkGroup(groupPath, refPath string) ([]string, error) {
	group, err := params.LoadGroup(groupPath)
	if err != nil {
		return nil, err
	}

	var problems []string
	for _, id := range group.IDs() {
		cfg := group.Tasks[id]
		if err := params.Validate(&cfg); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if refPath == "" {
		return problems, nil
	}
	entries, err := reference.Load(refPath)
	if err != nil {
		if errors.Is(err, reference.ErrInvalid) {
			return append(problems, err.Error()), nil
		}
		return nil, err
	}

	for _, e := range entries {
		ref, ok := group.Tasks[e.TaskID]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("reference %q is not in the group", e.TaskID))
		case ref.Category != params.Reference:
			problems = append(problems, fmt.Sprintf("reference %q has category %s", e.TaskID, ref.Category))
		}

		target, ok := group.Tasks[e.TargetTaskID]
		if !ok {
			problems = append(problems, fmt.Sprintf("target %q of reference %q is not in the group", e.TargetTaskID, e.TaskID))
			continue
		}
		if target.Category != params.Target {
			problems = append(problems, fmt.Sprintf("target %q has category %s", e.TargetTaskID, target.Category))
		}
		n := len(target.Elements())
		for _, idx := range e.ElementIndices {
			if idx >= n {
				problems = append(problems, fmt.Sprintf("reference %q: element index %d out of range for %q (%d elements)", e.TaskID, idx, e.TargetTaskID, n))
			}
		}
	}
	return problems, nil
}
