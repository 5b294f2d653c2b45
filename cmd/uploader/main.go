// cmd/uploader/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/eduflow/mediaupload/internal/uploader"
	"github.com/eduflow/mediaupload/pkg/schema"
)

var (
	serverURL   string
	stateDir    string
	filePath    string
	resource    string
	itemID      string
	fieldName   string
	title       string
	contentType string
	isEdit      bool
	watch       bool
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "uploader",
		Short:        "Resumable media upload client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("UPLOAD_SERVER_URL", "http://127.0.0.1:8080"), "upload server base URL")
	root.PersistentFlags().StringVar(&stateDir, "state-dir", envOr("UPLOAD_STATE_DIR", defaultStateDir()), "directory for resumable upload state")

	upload := &cobra.Command{
		Use:   "upload",
		Short: "Upload a file, resuming an interrupted transfer when possible",
		RunE:  runUpload,
	}
	upload.Flags().StringVar(&filePath, "file", "", "path of the file to upload")
	upload.Flags().StringVar(&resource, "resource", "", "owning resource name (e.g. lessons)")
	upload.Flags().StringVar(&itemID, "item", "", "owning entity id")
	upload.Flags().StringVar(&fieldName, "field", "", "field the artifact attaches to")
	upload.Flags().StringVar(&title, "title", "", "title hint for the artifact name")
	upload.Flags().StringVar(&contentType, "content-type", "", "declared MIME type (extension fallback when empty)")
	upload.Flags().BoolVar(&isEdit, "edit", false, "replacing an existing artifact")
	upload.Flags().BoolVar(&watch, "watch", true, "follow processing progress until the job terminates")
	for _, f := range []string{"file", "resource", "item", "field"} {
		_ = upload.MarkFlagRequired(f)
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Reconcile a pending upload for a field and show its last known state",
		RunE:  runStatus,
	}
	status.Flags().StringVar(&resource, "resource", "", "owning resource name")
	status.Flags().StringVar(&itemID, "item", "", "owning entity id")
	status.Flags().StringVar(&fieldName, "field", "", "field the artifact attaches to")
	for _, f := range []string{"resource", "item", "field"} {
		_ = status.MarkFlagRequired(f)
	}

	root.AddCommand(upload, status)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := uploader.NewStateStore(stateDir)
	if err != nil {
		return err
	}
	mgr := uploader.NewManager(uploader.NewHTTPTransport(serverURL, &http.Client{}), store, logger)

	payload, closePayload, err := uploader.Open(filePath)
	if err != nil {
		return err
	}
	defer closePayload()

	start := time.Now()
	clientID, result, err := mgr.Begin(cmd.Context(), payload, uploader.Target{
		Resource:    resource,
		ItemID:      itemID,
		FieldName:   fieldName,
		Title:       title,
		ContentType: contentType,
		IsEdit:      isEdit,
	})
	if err != nil {
		return err
	}

	if result.Status != schema.ResultProcessing {
		fmt.Printf("uploaded %s in %s\n", result.Item.Path, time.Since(start).Round(time.Second))
		return nil
	}

	fmt.Printf("upload accepted, processing started (client id %s)\n", clientID)
	if !watch {
		return nil
	}
	err = followProgress(cmd.Context(), clientID, start)
	mgr.Finish(resource, itemID, fieldName)
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := uploader.NewStateStore(stateDir)
	if err != nil {
		return err
	}
	mgr := uploader.NewManager(uploader.NewHTTPTransport(serverURL, &http.Client{}), store, logger)

	clientID := mgr.ResumeIfPending(resource, itemID, fieldName)
	if clientID == "" {
		fmt.Println("no pending upload")
		return nil
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/upload/%s/status", serverURL, clientID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("pending upload %s, no live status\n", clientID)
		return nil
	}
	var snap schema.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	fmt.Printf("client %s: %s", clientID, snap.Status)
	if snap.Stage != "" {
		fmt.Printf(" [%s %d%%]", snap.Stage, snap.Progress)
	}
	fmt.Println()
	if snap.Terminal() {
		mgr.Finish(resource, itemID, fieldName)
	}
	return nil
}

// followProgress attaches to the progress websocket and prints stage and
// percentage updates until a terminal event arrives.
func followProgress(ctx context.Context, clientID string, start time.Time) error {
	wsURL := strings.Replace(serverURL, "http", "ws", 1)
	u := fmt.Sprintf("%s/api/upload/%s/events", wsURL, url.PathEscape(clientID))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("connect progress stream: %w", err)
	}
	defer conn.Close()

	type wsMessage struct {
		Type     string                `json:"type"`
		Snapshot *schema.Snapshot      `json:"snapshot,omitempty"`
		Event    *schema.ProgressEvent `json:"event,omitempty"`
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("progress stream closed: %w", err)
		}
		switch msg.Type {
		case "sync":
			if msg.Snapshot == nil {
				continue
			}
			fmt.Printf("  %s [%s %d%%]\n", msg.Snapshot.Status, msg.Snapshot.Stage, msg.Snapshot.Progress)
			if msg.Snapshot.Status == schema.StatusError {
				return fmt.Errorf("processing failed: %s", msg.Snapshot.Message)
			}
			if msg.Snapshot.Status == schema.StatusDone {
				fmt.Printf("done in %s\n", time.Since(start).Round(time.Second))
				return nil
			}
		case "event":
			if msg.Event == nil {
				continue
			}
			switch msg.Event.Kind {
			case schema.EventStage:
				fmt.Printf("  stage: %s\n", msg.Event.Stage)
			case schema.EventProgress:
				fmt.Printf("\r  %d%%", msg.Event.Percent)
			case schema.EventDone:
				fmt.Printf("\ndone in %s\n", time.Since(start).Round(time.Second))
				return nil
			case schema.EventError:
				fmt.Println()
				return fmt.Errorf("processing failed after %s: %s", time.Since(start).Round(time.Second), msg.Event.Message)
			}
		}
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediaupload"
	}
	return home + "/.mediaupload"
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
