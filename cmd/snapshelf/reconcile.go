package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/snapshelf/internal/api"
	"github.com/jackzampolin/snapshelf/internal/server"
)

var (
	reconcileOlderThan time.Duration
	reconcileRequeue   bool
)

// StalledUpload is one row of the reconcile report.
type StalledUpload struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastStage string    `json:"last_stage,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Requeued  string    `json:"requeued,omitempty"`
	Error     string    `json:"error,omitempty"`
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Find uploads whose next stage was never enqueued",
	Long: `List pending or processing uploads that have not moved for a while and
have no queued or running task.

With --requeue the next stage is enqueued for each of them. The tasks are
persisted, so a running server picks them up on its next start, or run
this while the server is stopped and start it afterwards.

Examples:
  snapshelf reconcile
  snapshelf reconcile --older-than 1h --requeue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		cm, err := loadConfig(h)
		if err != nil {
			return err
		}
		rt, err := server.Build(ctx, cm.Get(), h, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		stalled, err := rt.Pipeline.Stalled(ctx, reconcileOlderThan)
		if err != nil {
			return err
		}

		report := make([]StalledUpload, 0, len(stalled))
		for _, u := range stalled {
			row := StalledUpload{
				ID:        u.ID,
				Status:    string(u.Status),
				LastStage: u.Stage,
				UpdatedAt: u.UpdatedAt,
			}
			if reconcileRequeue {
				next, err := rt.Pipeline.Requeue(ctx, u)
				if err != nil {
					row.Error = err.Error()
				} else {
					row.Requeued = next
				}
			}
			report = append(report, row)
		}
		return api.Output(report)
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", 15*time.Minute, "Only report uploads untouched for at least this long")
	reconcileCmd.Flags().BoolVar(&reconcileRequeue, "requeue", false, "Enqueue the next stage for each stalled upload")

	rootCmd.AddCommand(reconcileCmd)
}
