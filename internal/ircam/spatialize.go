package ircam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/models"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// Provider-reported terminal status sentinels.
const (
	statusSuccess = "success"
	statusError   = "error"
)

type submitResponse struct {
	ID string `json:"id"`
}

type reportInfo struct {
	Report *models.Report `json:"report"`
}

type jobInfos struct {
	JobStatus  string      `json:"job_status"`
	ReportInfo *reportInfo `json:"report_info"`
}

type jobStatusResponse struct {
	JobInfos *jobInfos `json:"job_infos"`
}

// Submit sends a spatialization request for the uploaded file and returns
// the provider's job id. Intensity is the preset level, 1 through 5.
func (c *Client) Submit(ctx context.Context, accessURL string, intensity int) (string, error) {
	if intensity < 1 || intensity > 5 {
		return "", fmt.Errorf("intensity must be between 1 and 5, got %d", intensity)
	}

	payload, err := json.Marshal(map[string]any{
		"audioUrl": accessURL,
		"presetId": intensity,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}

	body, err := c.doJSON(ctx, "POST", c.apiURL+"/spatialize/", bytes.NewReader(payload), "submit job")
	if err != nil {
		return "", err
	}

	var sub submitResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", &JobSubmissionError{Body: string(body)}
	}
	if sub.ID == "" {
		return "", &JobSubmissionError{Body: string(body)}
	}

	telemetry.JobsSubmitted.Inc()
	c.logger.Info("submitted spatialization job", "job_id", sub.ID, "intensity", intensity)
	return sub.ID, nil
}

// RunToCompletion drives a submitted job to a terminal state. The first
// status check happens immediately; each subsequent check waits a fixed
// interval. Status checks for one job are strictly sequential. The attempt
// budget bounds an otherwise unbounded provider-side hang.
func (c *Client) RunToCompletion(ctx context.Context, jobID string) (*models.Report, error) {
	maxAttempts := c.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 240
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx); err != nil {
				return nil, err
			}
		}

		status, err := c.jobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch status.JobStatus {
		case statusError:
			telemetry.JobsFailed.Inc()
			return nil, &JobFailedError{JobID: jobID, Reason: "provider reported job error"}
		case statusSuccess:
			report, err := c.fetchReport(ctx, jobID)
			if err != nil {
				telemetry.JobsFailed.Inc()
				return nil, err
			}
			telemetry.JobsSucceeded.Inc()
			c.logger.Info("job succeeded", "job_id", jobID,
				"binaural", report.BinauralFile != nil, "immersive", report.ImmersiveFile != nil)
			return report, nil
		default:
			c.logger.Debug("job still processing", "job_id", jobID, "status", status.JobStatus)
		}
	}

	telemetry.JobsFailed.Inc()
	return nil, &JobFailedError{JobID: jobID, Reason: fmt.Sprintf("no terminal status after %d polls", maxAttempts)}
}

// jobStatus performs a single status check, refreshing the token first if
// needed.
func (c *Client) jobStatus(ctx context.Context, jobID string) (*jobInfos, error) {
	telemetry.PollIterations.Inc()
	body, err := c.doJSON(ctx, "GET", c.apiURL+"/spatialize/"+jobID, nil, "job status")
	if err != nil {
		return nil, err
	}

	var status jobStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, &MalformedResponseError{JobID: jobID, Detail: "status response is not valid json"}
	}
	if status.JobInfos == nil {
		return nil, &MalformedResponseError{JobID: jobID, Detail: "status response carried no job_infos"}
	}
	return status.JobInfos, nil
}

// fetchReport performs the extra GET that retrieves the full report once the
// provider claims success. A success without a nested report is a
// data-integrity failure, not a retriable condition.
func (c *Client) fetchReport(ctx context.Context, jobID string) (*models.Report, error) {
	infos, err := c.jobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if infos.ReportInfo == nil || infos.ReportInfo.Report == nil {
		return nil, &MalformedResponseError{JobID: jobID, Detail: "success reported but report payload is absent"}
	}
	return infos.ReportInfo.Report, nil
}

func (c *Client) wait(ctx context.Context) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
