// Package archive bundles derived artifacts into a single compressed zip.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
)

// Error reports a failed archive build: a missing input artifact or a
// compression/stream failure.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive: artifact %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("archive: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Build streams each artifact under the session prefix into a single zip at
// outputKey and returns the archive's byte size. Artifacts pass through the
// compressor one at a time and are never held in memory whole. Build returns
// only after the archive is fully flushed into the store, so callers may
// stat or read it immediately.
func Build(ctx context.Context, store blob.Store, sessionID string, artifactNames []string, outputName string) (int64, error) {
	if len(artifactNames) < 2 {
		return 0, &Error{Err: fmt.Errorf("need at least two artifacts, got %d", len(artifactNames))}
	}

	// Fail before writing anything if an input is already gone.
	for _, name := range artifactNames {
		if _, err := store.Stat(ctx, sessionID+"/"+name); err != nil {
			return 0, &Error{Key: name, Err: err}
		}
	}

	pr, pw := io.Pipe()
	zipErr := make(chan error, 1)
	go func() {
		zipErr <- writeZip(ctx, pw, store, sessionID, artifactNames)
	}()

	outputKey := sessionID + "/" + outputName
	size, putErr := store.Put(ctx, outputKey, pr)
	if putErr != nil {
		// Unblock the writer goroutine; a failed Put may stop reading
		// before the zip stream is fully written.
		pr.CloseWithError(putErr)
		<-zipErr
		_ = store.Delete(ctx, outputKey)
		return 0, &Error{Err: putErr}
	}
	if err := <-zipErr; err != nil {
		// Drop whatever partial bytes made it into the store.
		_ = store.Delete(ctx, outputKey)
		return 0, err
	}
	return size, nil
}

func writeZip(ctx context.Context, pw *io.PipeWriter, store blob.Store, sessionID string, names []string) error {
	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	fail := func(key string, err error) error {
		wrapped := &Error{Key: key, Err: err}
		pw.CloseWithError(wrapped)
		return wrapped
	}

	for _, name := range names {
		src, err := store.Get(ctx, sessionID+"/"+name)
		if err != nil {
			return fail(name, err)
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			src.Close()
			return fail(name, err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			return fail(name, err)
		}
		src.Close()
	}

	if err := zw.Close(); err != nil {
		return fail("", err)
	}
	return pw.Close()
}
