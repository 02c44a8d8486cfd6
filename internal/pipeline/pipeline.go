// Package pipeline composes the provider client, session registry, blob
// store, and archive builder into the end-to-end
// upload → store remotely → submit → poll → download → archive flow.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/archive"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/audit"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ircam"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/models"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/session"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// Pipeline stages used to tag errors for the caller.
const (
	StageUpload      = "upload"
	StageRemoteStore = "remote_store"
	StageSubmit      = "submit"
	StagePoll        = "poll"
	StageDownload    = "download"
	StageArchive     = "archive"
)

// StageError tags a failure with the pipeline stage it happened in. Side
// effects of earlier stages are never rolled back; partial results stay
// available for download.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is what a completed spatialization run reports upward.
type Result struct {
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id"`
	BinauralPath  string `json:"binaural_path,omitempty"`
	BinauralSize  int64  `json:"binaural_size,omitempty"`
	ImmersivePath string `json:"immersive_path,omitempty"`
	ImmersiveSize int64  `json:"immersive_size,omitempty"`
	ArchivePath   string `json:"archive_path,omitempty"`
	ArchiveSize   int64  `json:"archive_size,omitempty"`
}

// Pipeline owns the transient per-request orchestration. The registry and
// provider client it composes are the only process-wide shared state.
type Pipeline struct {
	client   *ircam.Client
	registry *session.Registry
	store    blob.Store
	auditLog *audit.Log
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the pipeline.
func New(client *ircam.Client, registry *session.Registry, store blob.Store, auditLog *audit.Log, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:   client,
		registry: registry,
		store:    store,
		auditLog: auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleUpload pushes an uploaded local file into the provider's storage and
// records the remote handle on a fresh session. On failure the session stays
// in the registry for diagnostics; the TTL sweep collects it later.
func (p *Pipeline) HandleUpload(ctx context.Context, sessionID, localPath, originalName string) error {
	p.registry.Create(sessionID, localPath, originalName)
	p.recordAudit(ctx, sessionID, "uploaded", originalName)

	slotID, err := p.client.CreateSlot(ctx)
	if err != nil {
		return &StageError{Stage: StageRemoteStore, Err: err}
	}
	if err := p.client.PutBytes(ctx, slotID, localPath); err != nil {
		return &StageError{Stage: StageRemoteStore, Err: err}
	}
	handle, err := p.client.Handle(ctx, slotID)
	if err != nil {
		return &StageError{Stage: StageRemoteStore, Err: err}
	}

	p.registry.Update(sessionID, func(s *models.Session) {
		s.RemoteHandle = handle
		s.Stage = models.StageRemoteStored
	})
	p.recordAudit(ctx, sessionID, "remote_stored", handle.ID)
	telemetry.UploadCounter.Inc()
	p.logger.Info("upload stored remotely", "session_id", sessionID, "slot_id", slotID)
	return nil
}

// HandleSpatialize runs the job for the latest session: submit, poll to a
// terminal state, download whatever artifacts the report names, and build an
// archive only when both artifact types exist.
func (p *Pipeline) HandleSpatialize(ctx context.Context, intensity int) (*Result, error) {
	sess, ok := p.registry.Latest()
	if !ok {
		return nil, &StageError{Stage: StageSubmit, Err: &session.NotFoundError{}}
	}
	if sess.RemoteHandle == nil {
		return nil, &StageError{Stage: StageSubmit, Err: fmt.Errorf("session %s has no remote handle", sess.ID)}
	}

	jobID, err := p.client.Submit(ctx, sess.RemoteHandle.AccessURL, intensity)
	if err != nil {
		return nil, &StageError{Stage: StageSubmit, Err: err}
	}
	p.registry.Update(sess.ID, func(s *models.Session) {
		s.Stage = models.StageJobRunning
	})
	p.recordAudit(ctx, sess.ID, "job_submitted", jobID)

	report, err := p.client.RunToCompletion(ctx, jobID)
	if err != nil {
		p.registry.Update(sess.ID, func(s *models.Session) {
			s.Stage = models.StageFailed
		})
		p.recordAudit(ctx, sess.ID, "job_failed", err.Error())
		return nil, &StageError{Stage: StagePoll, Err: err}
	}

	result := &Result{SessionID: sess.ID, JobID: jobID}

	if report.BinauralFile != nil {
		path, size, err := p.downloadArtifact(ctx, sess.ID, report.BinauralFile.ID, "binaural")
		if err != nil {
			p.registry.Update(sess.ID, func(s *models.Session) {
				s.Stage = models.StageFailed
			})
			return nil, &StageError{Stage: StageDownload, Err: err}
		}
		result.BinauralPath, result.BinauralSize = path, size
		p.registry.Update(sess.ID, func(s *models.Session) {
			s.BinauralPath, s.BinauralSize = path, size
		})
	}
	if report.ImmersiveFile != nil {
		path, size, err := p.downloadArtifact(ctx, sess.ID, report.ImmersiveFile.ID, "immersive")
		if err != nil {
			p.registry.Update(sess.ID, func(s *models.Session) {
				s.Stage = models.StageFailed
			})
			return nil, &StageError{Stage: StageDownload, Err: err}
		}
		result.ImmersivePath, result.ImmersiveSize = path, size
		p.registry.Update(sess.ID, func(s *models.Session) {
			s.ImmersivePath, s.ImmersiveSize = path, size
		})
	}

	if result.BinauralPath != "" && result.ImmersivePath != "" {
		archiveName := p.archiveName(sess.OriginalFilename)
		names := []string{
			strings.TrimPrefix(result.BinauralPath, sess.ID+"/"),
			strings.TrimPrefix(result.ImmersivePath, sess.ID+"/"),
		}
		size, err := archive.Build(ctx, p.store, sess.ID, names, archiveName)
		if err != nil {
			// The individual artifacts stay downloadable.
			p.registry.Update(sess.ID, func(s *models.Session) {
				s.Stage = models.StageFailed
			})
			return nil, &StageError{Stage: StageArchive, Err: err}
		}
		result.ArchivePath = sess.ID + "/" + archiveName
		result.ArchiveSize = size
		p.registry.Update(sess.ID, func(s *models.Session) {
			s.ArchivePath, s.ArchiveSize = result.ArchivePath, size
		})
		telemetry.ArchivesBuilt.Inc()
	}

	p.registry.Update(sess.ID, func(s *models.Session) {
		s.Stage = models.StageComplete
	})
	p.recordAudit(ctx, sess.ID, "complete", jobID)
	p.logger.Info("spatialization complete", "session_id", sess.ID, "job_id", jobID,
		"binaural", result.BinauralPath != "", "immersive", result.ImmersivePath != "",
		"archived", result.ArchivePath != "")
	return result, nil
}

// downloadArtifact pulls one result file out of provider storage and streams
// it into the session's blob prefix. The kind prefix keeps the two artifact
// types from colliding on name.
func (p *Pipeline) downloadArtifact(ctx context.Context, sessionID, fileID, kind string) (string, int64, error) {
	filename, err := p.client.FetchMetadata(ctx, fileID)
	if err != nil {
		return "", 0, err
	}
	body, _, err := p.client.FetchBytes(ctx, fileID, filename)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	key := sessionID + "/" + kind + "_" + filepath.Base(filename)
	size, err := p.store.Put(ctx, key, body)
	if err != nil {
		return "", 0, fmt.Errorf("store %s artifact: %w", kind, err)
	}
	return key, size, nil
}

func (p *Pipeline) archiveName(originalFilename string) string {
	base := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))
	if base == "" {
		base = "spatial"
	}
	return fmt.Sprintf("%s_%s.zip", base, p.now().Format("20060102T150405"))
}

func (p *Pipeline) recordAudit(ctx context.Context, sessionID, event, detail string) {
	if err := p.auditLog.Record(ctx, sessionID, event, detail); err != nil {
		p.logger.Warn("audit write failed", "session_id", sessionID, "event", event, "error", err)
	}
}
