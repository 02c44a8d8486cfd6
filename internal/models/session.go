package models

import (
	"time"
)

// Pipeline stages a session moves through.
const (
	StageUploaded     = "uploaded"
	StageRemoteStored = "remote_stored"
	StageJobRunning   = "job_running"
	StageComplete     = "complete"
	StageFailed       = "failed"
)

// RemoteFileHandle is the provider's handle for an uploaded file. The access
// URL is what gets passed to the spatialization job as input. Immutable once
// created.
type RemoteFileHandle struct {
	ID        string `json:"id"`
	AccessURL string `json:"access_url"`
}

// Session tracks one uploaded file's lifecycle through remote storage, job
// processing, and artifact availability. One session per upload.
type Session struct {
	ID               string            `json:"id"`
	UploadedFile     string            `json:"uploaded_file"`
	OriginalFilename string            `json:"original_filename"`
	Stage            string            `json:"stage"`
	RemoteHandle     *RemoteFileHandle `json:"remote_handle,omitempty"`
	BinauralPath     string            `json:"binaural_path,omitempty"`
	BinauralSize     int64             `json:"binaural_size,omitempty"`
	ImmersivePath    string            `json:"immersive_path,omitempty"`
	ImmersiveSize    int64             `json:"immersive_size,omitempty"`
	ArchivePath      string            `json:"archive_path,omitempty"`
	ArchiveSize      int64             `json:"archive_size,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastTouchedAt    time.Time         `json:"last_touched_at"`
}

// FileRef points at one result file inside the provider's storage.
type FileRef struct {
	ID string `json:"id"`
}

// Report is the validated result payload of a succeeded job. Either artifact
// reference may be absent; the job can produce one, both, or neither.
type Report struct {
	BinauralFile  *FileRef `json:"binauralFile,omitempty"`
	ImmersiveFile *FileRef `json:"immersiveFile,omitempty"`
}
