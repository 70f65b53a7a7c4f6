package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	sweepProject string
	sweepPredict bool

	pruneProject string
	pruneForce   bool

	topProject string
	topLimit   int

	lruTier    string
	lruProject string
	lruLimit   int

	statsProject string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclassify tiers (and optionally refresh predictions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := eng.ReclassifyAll(cmd.Context(), sweepProject, "")
		if err != nil {
			return err
		}
		fmt.Printf("reclassified: examined=%d updated=%d failures=%d\n",
			report.Examined, report.Updated, len(report.Failures))

		if sweepPredict {
			report, err := eng.PredictBatch(cmd.Context(), sweepProject, 0, "")
			if err != nil {
				return err
			}
			fmt.Printf("predicted: examined=%d updated=%d failures=%d\n",
				report.Examined, report.Updated, len(report.Failures))
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired snapshots",
	Long: `Delete snapshots whose tier has reached expired.

Runs as a dry run by default, reporting the candidate set. Pass --force
to actually delete. Deletion is irreversible; copy anything you need out
first. Run "stratum sweep" beforehand so stored tiers are current.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := eng.Prune(cmd.Context(), pruneProject, !pruneForce)
		if err != nil {
			return err
		}
		if report.DryRun {
			fmt.Printf("would prune %d snapshots:\n", len(report.Candidates))
			for _, id := range report.Candidates {
				fmt.Println(" ", id)
			}
			return nil
		}
		fmt.Printf("pruned: deleted=%d skipped=%d failures=%d\n",
			report.Deleted, report.Skipped, len(report.Failures))
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show ranked prefetch candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ranked, err := eng.TopPredicted(cmd.Context(), topProject, topLimit)
		if err != nil {
			return err
		}
		for _, snap := range ranked {
			score := 0.0
			if snap.PredictionScore != nil {
				score = *snap.PredictionScore
			}
			fmt.Printf("%.3f  %s  %v  %s\n", score, snap.ID, snap.PropagationReason, snap.Summary)
		}
		return nil
	},
}

var lruCmd = &cobra.Command{
	Use:   "lru",
	Short: "Show least-recently-used snapshots of a tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		candidates, err := eng.LeastRecentlyUsed(cmd.Context(), lruTier, lruProject, lruLimit)
		if err != nil {
			return err
		}
		for _, snap := range candidates {
			accessed := "never"
			if snap.LastAccessed != nil {
				accessed = time.UnixMilli(*snap.LastAccessed).Format(time.RFC3339)
			}
			fmt.Printf("%s  accessed=%s count=%d  %s\n", snap.ID, accessed, snap.AccessCount, snap.Summary)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show snapshot counts per tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		total, err := db.CountSnapshots(statsProject)
		if err != nil {
			return err
		}
		tiers, err := db.TierCounts(statsProject)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "snapshots: %d\n", total)
		for _, tier := range []string{"active", "recent", "archived", "expired"} {
			fmt.Printf("  %-8s %d\n", tier, tiers[tier])
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepProject, "project", "p", "", "limit to one project")
	sweepCmd.Flags().BoolVar(&sweepPredict, "predict", false, "also refresh stale predictions")

	pruneCmd.Flags().StringVarP(&pruneProject, "project", "p", "", "limit to one project")
	pruneCmd.Flags().BoolVar(&pruneForce, "force", false, "actually delete (default is dry run)")

	topCmd.Flags().StringVarP(&topProject, "project", "p", "", "limit to one project")
	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "maximum results")

	lruCmd.Flags().StringVarP(&lruTier, "tier", "t", "archived", "tier to inspect")
	lruCmd.Flags().StringVarP(&lruProject, "project", "p", "", "limit to one project")
	lruCmd.Flags().IntVarP(&lruLimit, "limit", "n", 10, "maximum results")

	statsCmd.Flags().StringVarP(&statsProject, "project", "p", "", "limit to one project")
}
