package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/config"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ircam"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/models"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/session"
)

// stubProvider fakes the whole IRCAM surface: auth, storage slots, result
// files, and the spatialize job endpoints.
type stubProvider struct {
	t          *testing.T
	statuses   []string // scripted job_status values; "success" triggers the report
	report     string   // report JSON attached to the success response
	resultFile map[string]string // storage id -> filename
	resultBody map[string]string // storage id -> content

	mu       sync.Mutex
	polls    int
	uploaded []byte
}

func (p *stubProvider) uploadedBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded
}

func (p *stubProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id_token":"stub-token"}`)
	})
	mux.HandleFunc("/storage/manager/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id":"slot-1"}`)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/storage/manager/")
		if name, ok := p.resultFile[id]; ok {
			fmt.Fprintf(w, `{"ias":"https://ias.example/%s","filename":%q}`, id, name)
			return
		}
		if id == "slot-1" {
			fmt.Fprint(w, `{"ias":"https://ias.example/slot-1","filename":"track.wav"}`)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/spatialize/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id":"job-1"}`)
			return
		}
		p.mu.Lock()
		idx := p.polls
		p.polls++
		p.mu.Unlock()
		if idx >= len(p.statuses) {
			idx = len(p.statuses) - 1
		}
		status := p.statuses[idx]
		if status == "success" {
			fmt.Fprintf(w, `{"job_infos":{"job_status":"success","report_info":{"report":%s}}}`, p.report)
			return
		}
		fmt.Fprintf(w, `{"job_infos":{"job_status":%q}}`, status)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Raw storage: PUT /{slot}/{filename}, GET /{id}/{filename}.
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			p.mu.Lock()
			p.uploaded = body
			p.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if content, ok := p.resultBody[parts[0]]; ok {
				_, _ = w.Write([]byte(content))
				return
			}
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func newTestPipeline(t *testing.T, provider *stubProvider) (*Pipeline, *session.Registry, blob.Store, string) {
	t.Helper()
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	cfg := config.Config{
		IrcamAPIURL:     srv.URL,
		IrcamStorageURL: srv.URL,
		IrcamClientID:   "client",
		TokenValidity:   30 * time.Minute,
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 20,
	}
	client := ircam.New(cfg, nil)
	registry := session.NewRegistry(nil)
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	uploadsDir := t.TempDir()
	path := filepath.Join(uploadsDir, "track.wav")
	if err := os.WriteFile(path, []byte("stereo input"), 0o644); err != nil {
		t.Fatalf("write upload fixture: %v", err)
	}

	return New(client, registry, store, nil, nil), registry, store, path
}

func TestHandleUploadStoresRemotely(t *testing.T) {
	provider := &stubProvider{t: t}
	p, registry, _, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "track.wav"); err != nil {
		t.Fatalf("handle upload: %v", err)
	}

	if got := provider.uploadedBytes(); string(got) != "stereo input" {
		t.Fatalf("provider did not receive upload bytes, got %q", got)
	}
	sess, ok := registry.Get("sess-1")
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.RemoteHandle == nil || sess.RemoteHandle.ID != "slot-1" {
		t.Fatalf("remote handle not recorded: %+v", sess.RemoteHandle)
	}
	if sess.Stage != models.StageRemoteStored {
		t.Fatalf("expected stage %s, got %s", models.StageRemoteStored, sess.Stage)
	}
}

func TestHandleUploadKeepsSessionOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			fmt.Fprint(w, `{"id_token":"stub-token"}`)
			return
		}
		http.Error(w, "storage down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Config{IrcamAPIURL: srv.URL, IrcamStorageURL: srv.URL}
	registry := session.NewRegistry(nil)
	store, _ := blob.NewLocalStore(t.TempDir())
	p := New(ircam.New(cfg, nil), registry, store, nil, nil)

	err := p.HandleUpload(context.Background(), "sess-1", "/nonexistent", "track.wav")
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageRemoteStore {
		t.Fatalf("expected remote_store stage error, got %v", err)
	}
	// The session stays for diagnostics; the TTL sweep collects it later.
	if _, ok := registry.Get("sess-1"); !ok {
		t.Fatal("expected session to remain after upload failure")
	}
}

func TestHandleSpatializeBinauralOnly(t *testing.T) {
	provider := &stubProvider{
		t:          t,
		statuses:   []string{"pending", "success"},
		report:     `{"binauralFile":{"id":"bin-1"}}`,
		resultFile: map[string]string{"bin-1": "binaural_mix.wav"},
		resultBody: map[string]string{"bin-1": "binaural audio"},
	}
	p, registry, store, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "track.wav"); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	result, err := p.HandleSpatialize(context.Background(), 3)
	if err != nil {
		t.Fatalf("handle spatialize: %v", err)
	}

	if result.BinauralPath == "" {
		t.Fatal("expected binaural path")
	}
	if result.ImmersivePath != "" {
		t.Fatalf("expected no immersive artifact, got %s", result.ImmersivePath)
	}
	if result.ArchivePath != "" {
		t.Fatalf("expected no archive with a single artifact, got %s", result.ArchivePath)
	}

	sess, _ := registry.Get("sess-1")
	if sess.BinauralPath != result.BinauralPath || sess.ImmersivePath != "" || sess.ArchivePath != "" {
		t.Fatalf("session out of sync with result: %+v", sess)
	}
	if sess.Stage != models.StageComplete {
		t.Fatalf("expected stage %s, got %s", models.StageComplete, sess.Stage)
	}

	rc, err := store.Get(context.Background(), result.BinauralPath)
	if err != nil {
		t.Fatalf("stored artifact missing: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "binaural audio" {
		t.Fatalf("artifact content mismatch: %q", data)
	}
}

func TestHandleSpatializeBothArtifactsBuildsArchive(t *testing.T) {
	provider := &stubProvider{
		t:        t,
		statuses: []string{"success"},
		report:   `{"binauralFile":{"id":"bin-1"},"immersiveFile":{"id":"imm-1"}}`,
		resultFile: map[string]string{
			"bin-1": "binaural_mix.wav",
			"imm-1": "immersive_mix.wav",
		},
		resultBody: map[string]string{
			"bin-1": "binaural audio",
			"imm-1": "immersive audio",
		},
	}
	p, registry, store, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "track.wav"); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	result, err := p.HandleSpatialize(context.Background(), 3)
	if err != nil {
		t.Fatalf("handle spatialize: %v", err)
	}

	if result.BinauralPath == "" || result.ImmersivePath == "" {
		t.Fatalf("expected both artifacts, got %+v", result)
	}
	if result.ArchivePath == "" || result.ArchiveSize <= 0 {
		t.Fatalf("expected archive, got %+v", result)
	}
	if !strings.HasPrefix(filepath.Base(result.ArchivePath), "track_") {
		t.Fatalf("archive name should derive from the upload, got %s", result.ArchivePath)
	}

	if _, err := store.Stat(context.Background(), result.ArchivePath); err != nil {
		t.Fatalf("archive not in store: %v", err)
	}
	sess, _ := registry.Get("sess-1")
	if sess.ArchivePath != result.ArchivePath || sess.ArchiveSize != result.ArchiveSize {
		t.Fatalf("archive not recorded on session: %+v", sess)
	}
}

func TestHandleSpatializeJobError(t *testing.T) {
	provider := &stubProvider{
		t:        t,
		statuses: []string{"pending", "error"},
	}
	p, registry, _, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "track.wav"); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	_, err := p.HandleSpatialize(context.Background(), 3)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePoll {
		t.Fatalf("expected poll stage error, got %v", err)
	}
	var jobErr *ircam.JobFailedError
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected JobFailedError inside, got %v", err)
	}
	sess, _ := registry.Get("sess-1")
	if sess.Stage != models.StageFailed {
		t.Fatalf("expected stage %s, got %s", models.StageFailed, sess.Stage)
	}
}

func TestHandleSpatializeDownloadFailureMarksSessionFailed(t *testing.T) {
	// The report names an artifact whose bytes the provider cannot serve.
	provider := &stubProvider{
		t:          t,
		statuses:   []string{"success"},
		report:     `{"binauralFile":{"id":"bin-1"}}`,
		resultFile: map[string]string{"bin-1": "binaural_mix.wav"},
	}
	p, registry, _, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "track.wav"); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	_, err := p.HandleSpatialize(context.Background(), 3)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageDownload {
		t.Fatalf("expected download stage error, got %v", err)
	}
	sess, _ := registry.Get("sess-1")
	if sess.Stage != models.StageFailed {
		t.Fatalf("expected stage %s, got %s", models.StageFailed, sess.Stage)
	}
}

func TestHandleSpatializeNoSession(t *testing.T) {
	provider := &stubProvider{t: t}
	p, _, _, _ := newTestPipeline(t, provider)

	_, err := p.HandleSpatialize(context.Background(), 3)
	var notFound *session.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestHandleSpatializeUsesLatestSession(t *testing.T) {
	provider := &stubProvider{
		t:          t,
		statuses:   []string{"success"},
		report:     `{"binauralFile":{"id":"bin-1"}}`,
		resultFile: map[string]string{"bin-1": "binaural_mix.wav"},
		resultBody: map[string]string{"bin-1": "binaural audio"},
	}
	p, registry, _, uploadPath := newTestPipeline(t, provider)

	if err := p.HandleUpload(context.Background(), "sess-1", uploadPath, "first.wav"); err != nil {
		t.Fatalf("upload 1: %v", err)
	}
	if err := p.HandleUpload(context.Background(), "sess-2", uploadPath, "second.wav"); err != nil {
		t.Fatalf("upload 2: %v", err)
	}

	result, err := p.HandleSpatialize(context.Background(), 3)
	if err != nil {
		t.Fatalf("handle spatialize: %v", err)
	}
	if result.SessionID != "sess-2" {
		t.Fatalf("expected latest session sess-2, got %s", result.SessionID)
	}
	if sess, _ := registry.Get("sess-1"); sess.BinauralPath != "" {
		t.Fatalf("older session must stay untouched: %+v", sess)
	}
}
