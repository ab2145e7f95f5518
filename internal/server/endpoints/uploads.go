package endpoints

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/snapshelf/internal/api"
	"github.com/jackzampolin/snapshelf/internal/pipeline"
	"github.com/jackzampolin/snapshelf/internal/store"
	"github.com/jackzampolin/snapshelf/internal/svcctx"
)

// MaxImageBytes caps a submitted cover photo.
const MaxImageBytes = 20 << 20

// CreateUploadResponse is returned when a photo is accepted.
type CreateUploadResponse struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

// CreateUploadEndpoint handles POST /api/uploads.
type CreateUploadEndpoint struct{}

var _ api.Endpoint = (*CreateUploadEndpoint)(nil)

func (e *CreateUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/uploads", e.handler
}

func (e *CreateUploadEndpoint) RequiresInit() bool { return true }

// handler accepts either raw image bytes or a multipart form with an
// "image" file field.
func (e *CreateUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	p := svcctx.PipelineFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxImageBytes)
	data, contentType, err := readImage(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", MaxImageBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, pipeline.ErrEmptyImage.Error())
		return
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("expected an image, got %s", contentType))
		return
	}

	u, err := p.Submit(r.Context(), data, contentType)
	if err != nil {
		svcctx.LoggerFrom(r.Context()).Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, CreateUploadResponse{ID: u.ID, Status: u.Status})
}

func readImage(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxImageBytes); err != nil {
			return nil, "", fmt.Errorf("failed to parse form: %w", err)
		}
		defer r.MultipartForm.RemoveAll()
		f, fh, err := r.FormFile("image")
		if err != nil {
			return nil, "", errors.New(`multipart upload requires an "image" field`)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image: %w", err)
		}
		return data, fh.Header.Get("Content-Type"), nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	return data, r.Header.Get("Content-Type"), nil
}

func (e *CreateUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <image>",
		Short: "Submit a cover photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp CreateUploadResponse
			if err := client.PostRaw(cmd.Context(), "/api/uploads", http.DetectContentType(data), bytes.NewReader(data), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListUploadsResponse wraps a page of uploads.
type ListUploadsResponse struct {
	Uploads []*store.Upload `json:"uploads"`
	Total   int             `json:"total"`
}

// ListUploadsEndpoint handles GET /api/uploads.
type ListUploadsEndpoint struct{}

func (e *ListUploadsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/uploads", e.handler
}

func (e *ListUploadsEndpoint) RequiresInit() bool { return true }

func (e *ListUploadsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	s := svcctx.StoreFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	var f store.UploadFilter
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = store.Status(st)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	uploads, err := s.ListUploads(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if uploads == nil {
		uploads = []*store.Upload{}
	}
	writeJSON(w, http.StatusOK, ListUploadsResponse{Uploads: uploads, Total: len(uploads)})
}

func (e *ListUploadsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/uploads?limit=" + strconv.Itoa(limit)
			if status != "" {
				path += "&status=" + status
			}
			client := api.NewClient(getServerURL())
			var resp ListUploadsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum uploads to return")
	return cmd
}

// GetUploadEndpoint handles GET /api/uploads/{id}.
type GetUploadEndpoint struct{}

func (e *GetUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/uploads/{id}", e.handler
}

func (e *GetUploadEndpoint) RequiresInit() bool { return true }

func (e *GetUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	u, ok := lookupUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (e *GetUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get an upload by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var u store.Upload
			if err := client.Get(cmd.Context(), "/api/uploads/"+args[0], &u); err != nil {
				return err
			}
			return api.Output(u)
		},
	}
}

// UploadImageEndpoint handles GET /api/uploads/{id}/image.
type UploadImageEndpoint struct{}

func (e *UploadImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/uploads/{id}/image", e.handler
}

func (e *UploadImageEndpoint) RequiresInit() bool { return true }

// handler redirects to a presigned URL when the blob store issues one and
// streams the bytes otherwise.
func (e *UploadImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	u, ok := lookupUpload(w, r)
	if !ok {
		return
	}
	if u.ImageURL == "" {
		writeError(w, http.StatusNotFound, "image not stored yet")
		return
	}
	blobs := svcctx.BlobsFrom(r.Context())
	if blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob store not initialized")
		return
	}

	signed, err := blobs.Presign(r.Context(), u.ImageURL, svcctx.PresignTTLFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.HasPrefix(signed, "http://") || strings.HasPrefix(signed, "https://") {
		http.Redirect(w, r, signed, http.StatusTemporaryRedirect)
		return
	}

	data, err := blobs.Get(r.Context(), u.ImageURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	contentType := u.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (e *UploadImageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Download the stored cover photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".img"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			client := api.NewClient(getServerURL())
			contentType, err := client.Download(cmd.Context(), "/api/uploads/"+args[0]+"/image", f)
			if err != nil {
				os.Remove(output)
				return err
			}
			fmt.Printf("Wrote %s (%s)\n", output, contentType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: <id>.img)")
	return cmd
}

// lookupUpload loads the {id} upload, writing an error response on failure.
func lookupUpload(w http.ResponseWriter, r *http.Request) (*store.Upload, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "upload id is required")
		return nil, false
	}
	s := svcctx.StoreFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return nil, false
	}
	u, err := s.GetUpload(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return u, true
}
