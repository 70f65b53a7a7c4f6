package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/stratum/internal/engine"
	"github.com/lowkeylabs/stratum/internal/store"
)

var (
	saveProject    string
	saveSummary    string
	saveTags       []string
	saveSource     string
	saveActionType string
	saveRationale  string
	saveCausedBy   string
	saveDeps       []string

	showPeek bool

	chainDown bool
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Record a new context snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		snap := &store.Snapshot{
			Project:      saveProject,
			Summary:      saveSummary,
			Tags:         saveTags,
			Source:       saveSource,
			ActionType:   saveActionType,
			Rationale:    saveRationale,
			CausedBy:     saveCausedBy,
			Dependencies: saveDeps,
		}
		if err := eng.Create(cmd.Context(), snap); err != nil {
			return err
		}
		fmt.Println(snap.ID)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a snapshot as JSON",
	Long:  "Print a snapshot as JSON. The read counts toward access statistics unless --peek is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		var snap *store.Snapshot
		if showPeek {
			snap, err = eng.Get(cmd.Context(), args[0])
		} else {
			snap, err = eng.Touch(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <id>",
	Short: "Record an access without printing the snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		snap, err := eng.Touch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: access_count=%d tier=%s\n", snap.ID, snap.AccessCount, snap.MemoryTier)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := eng.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain <id>",
	Short: "Walk a snapshot's causal chain",
	Long:  "Walk caused_by links upward to the root, or downward breadth-first over descendants with --down.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		direction := engine.DirectionUp
		if chainDown {
			direction = engine.DirectionDown
		}

		walker, err := eng.GetChain(cmd.Context(), args[0], direction)
		if err != nil {
			return err
		}
		for {
			snap, err := walker.Next()
			if err != nil {
				return err
			}
			if snap == nil {
				break
			}
			fmt.Printf("%s  %s  [%s] %s\n",
				snap.ID,
				time.UnixMilli(snap.Timestamp).Format(time.RFC3339),
				snap.MemoryTier,
				snap.Summary)
		}
		for _, warning := range walker.Warnings() {
			fmt.Fprintf(os.Stderr, "warning: %v\n", warning)
		}
		return nil
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <id>",
	Short: "Resolve a snapshot's dependency list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		deps, err := eng.GetDependencies(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, dep := range deps.Resolved {
			fmt.Printf("%s  %s\n", dep.ID, dep.Summary)
		}
		for _, id := range deps.Unresolved {
			fmt.Printf("%s  (unresolved)\n", id)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	saveCmd.Flags().StringVarP(&saveProject, "project", "p", "", "project grouping key (required)")
	saveCmd.Flags().StringVarP(&saveSummary, "summary", "s", "", "pre-computed summary text")
	saveCmd.Flags().StringSliceVar(&saveTags, "tag", nil, "tag (repeatable)")
	saveCmd.Flags().StringVar(&saveSource, "source", "", "snapshot source")
	saveCmd.Flags().StringVar(&saveActionType, "action", "", "action type (conversation, decision, file_edit, tool_use, research)")
	saveCmd.Flags().StringVar(&saveRationale, "rationale", "", "why this snapshot was saved")
	saveCmd.Flags().StringVar(&saveCausedBy, "caused-by", "", "parent snapshot id")
	saveCmd.Flags().StringSliceVar(&saveDeps, "dep", nil, "dependency snapshot id (repeatable)")
	saveCmd.MarkFlagRequired("project")

	showCmd.Flags().BoolVar(&showPeek, "peek", false, "do not count this read toward access statistics")

	chainCmd.Flags().BoolVar(&chainDown, "down", false, "walk descendants instead of ancestors")
}
