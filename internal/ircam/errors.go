package ircam

import "fmt"

// AuthError reports a failed credential refresh. Any operation that needs a
// bearer token is dead in the water until the next refresh succeeds.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ircam auth: %v", e.Err)
	}
	return fmt.Sprintf("ircam auth: status %d: %s", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteServiceError carries a non-success provider response verbatim so the
// status and body stay observable at the call site. Never retried here;
// retries are the caller's responsibility.
type RemoteServiceError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("ircam %s: status %d: %s", e.Op, e.Status, e.Body)
}

// JobSubmissionError means the provider accepted the submit request but the
// response carried no job identifier.
type JobSubmissionError struct {
	Body string
}

func (e *JobSubmissionError) Error() string {
	return fmt.Sprintf("ircam submit: response carried no job id: %s", e.Body)
}

// JobFailedError means the provider explicitly reported the job as failed,
// or the poll loop exhausted its attempt budget. A failed job is never
// resumed; callers must resubmit.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("ircam job %s failed: %s", e.JobID, e.Reason)
}

// MalformedResponseError means the provider claimed success but the payload
// shape is invalid. Treated as a failure, not retried.
type MalformedResponseError struct {
	JobID  string
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("ircam job %s: malformed response: %s", e.JobID, e.Detail)
}
