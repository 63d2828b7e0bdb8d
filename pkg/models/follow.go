package models

// FollowMessage is one frame pushed by a provider's log stream. Negative
// ranks are reserved for provider control signals and are never forwarded to
// clients.
type FollowMessage struct {
	StreamID string `json:"stream_id,omitempty"`
	Rank     int    `json:"rank"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// JobsLog is one log line delivered to a follow subscriber.
type JobsLog struct {
	Rank   int    `json:"rank"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// FollowEvent is one push on a follow subscription: any combination of new
// update-log entries, log lines and a status snapshot.
type FollowEvent struct {
	Updates   []JobUpdate `json:"updates,omitempty"`
	Log       []JobsLog   `json:"log,omitempty"`
	NewStatus *JobStatus  `json:"new_status,omitempty"`
}

// QueueStatus summarizes a provider's scheduling queue.
type QueueStatus struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Capacity describes compute capacity in provider-defined units.
type Capacity struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
	GPU    float64 `json:"gpu"`
}

// Utilization is a provider's self-reported load.
type Utilization struct {
	Capacity     Capacity    `json:"capacity"`
	UsedCapacity Capacity    `json:"used_capacity"`
	QueueStatus  QueueStatus `json:"queue_status"`
}

// InteractiveSessionType enumerates the interactive session kinds a job can
// expose.
type InteractiveSessionType string

const (
	SessionTypeWeb   InteractiveSessionType = "web"
	SessionTypeVnc   InteractiveSessionType = "vnc"
	SessionTypeShell InteractiveSessionType = "shell"
)

// OpenSession is a negotiated interactive session handle returned by a
// provider.
type OpenSession struct {
	JobID          string                 `json:"job_id"`
	Rank           int                    `json:"rank"`
	SessionType    InteractiveSessionType `json:"session_type"`
	SessionPayload string                 `json:"session_payload"`
}

// OpenSessionWithProvider pairs a session handle with the provider endpoint a
// client should connect to.
type OpenSessionWithProvider struct {
	ProviderDomain string      `json:"provider_domain"`
	ProviderID     string      `json:"provider_id"`
	Session        OpenSession `json:"session"`
}
