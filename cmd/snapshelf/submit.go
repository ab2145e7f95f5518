package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/snapshelf/internal/api"
	"github.com/jackzampolin/snapshelf/internal/server"
	"github.com/jackzampolin/snapshelf/internal/server/endpoints"
	"github.com/jackzampolin/snapshelf/internal/store"
)

var (
	submitServer  string
	submitTimeout time.Duration
)

// SubmitResult is what submit prints once the upload settles.
type SubmitResult struct {
	Upload *store.Upload `json:"upload"`
	Book   *store.Book   `json:"book,omitempty"`
}

var submitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Run one cover photo through the pipeline",
	Long: `Submit a cover photo and wait for it to finish.

Without --server the pipeline runs in this process against the configured
store, and the command returns once the upload is completed or failed.
With --server the photo is posted to a running server and the new upload
ID is printed; poll it with 'snapshelf api uploads get <id>'.

Examples:
  snapshelf submit cover.jpg
  snapshelf submit cover.jpg --timeout 10m
  snapshelf submit cover.jpg --server http://localhost:8080`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		if submitServer != "" {
			client := api.NewClient(submitServer)
			var resp endpoints.CreateUploadResponse
			if err := client.PostRaw(cmd.Context(), "/api/uploads", http.DetectContentType(data), bytes.NewReader(data), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		}
		return submitLocal(cmd.Context(), data)
	},
}

func submitLocal(ctx context.Context, data []byte) error {
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

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	queueCtx, stopQueue := context.WithCancel(ctx)
	queueDone := make(chan error, 1)
	go func() { queueDone <- rt.Queue.Run(queueCtx) }()
	defer func() {
		stopQueue()
		<-queueDone
	}()

	u, err := rt.Pipeline.Submit(ctx, data, http.DetectContentType(data))
	if err != nil {
		return err
	}
	logger.Info("waiting for upload", "upload_id", u.ID)

	u, err = waitTerminal(ctx, rt.Store, u.ID)
	if err != nil {
		return err
	}

	res := SubmitResult{Upload: u}
	if u.BookID != "" {
		b, err := rt.Store.GetBook(ctx, u.BookID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		res.Book = b
	}
	return api.Output(res)
}

// waitTerminal polls the upload until it is completed or failed.
func waitTerminal(ctx context.Context, s store.Store, id string) (*store.Upload, error) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		u, err := s.GetUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		if u.Status.Terminal() {
			return u, nil
		}
		select {
		case <-ctx.Done():
			return u, fmt.Errorf("upload %s still %s at stage %q: %w", id, u.Status, u.Stage, ctx.Err())
		case <-t.C:
		}
	}
}

func init() {
	submitCmd.Flags().StringVar(&submitServer, "server", "", "Post to a running server instead of running locally")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "How long to wait for the upload to settle")

	rootCmd.AddCommand(submitCmd)
}
