package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/taskgraph-dev/taskgraph/result"
)

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Inspect saved run results",
}

var resultShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Summarize a run result written with result.WriteJSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultShow,
}

func init() {
	resultCmd.AddCommand(resultShowCmd)
}

func runResultShow(cmd *cobra.Command, args []string) error {
	res, err := result.ReadJSON(args[0])
	if err != nil {
		return err
	}

	if res.RunID != "" {
		fmt.Printf("run: %s\n", res.RunID)
	}
	switch {
	case res.Cancelled:
		fmt.Println("status: cancelled")
	case res.Errored:
		fmt.Println("status: errored")
	default:
		fmt.Println("status: ok")
	}

	names := make([]string, 0, len(res.Outputs))
	for name := range res.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("output %s = %v\n", name, res.Outputs[name])
	}

	units := make([]string, 0, len(res.Errors))
	for unit := range res.Errors {
		units = append(units, unit)
	}
	sort.Strings(units)
	for _, unit := range units {
		e := res.Errors[unit]
		fmt.Printf("error %s [%s]: %s\n", unit, e.Kind, e.Message)
		if e.CausedBy != "" && e.CausedBy != unit {
			fmt.Printf("  caused by: %s\n", e.CausedBy)
		}
		if e.Stderr != "" {
			fmt.Printf("  stderr: %s\n", e.Stderr)
		}
	}
	return nil
}
