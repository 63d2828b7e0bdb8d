package models

// ToolBackend is the execution backend an application runs on. Providers
// declare per-backend support flags (see ComputeSupport).
type ToolBackend string

const (
	ToolBackendDocker         ToolBackend = "docker"
	ToolBackendVirtualMachine ToolBackend = "virtual_machine"
)

// Tool is the execution descriptor shared by one or more applications.
type Tool struct {
	Metadata                NameAndVersion `json:"metadata"`
	Backend                 ToolBackend    `json:"backend"`
	DefaultTimeAllocMillis  int64          `json:"default_time_allocation_millis"`
	DefaultReplicas         int            `json:"default_replicas"`
	SupportsAdditionalPeers bool           `json:"supports_additional_peers"`
}

// ApplicationParameter is a declared invocation parameter of an application.
// Optional parameters may carry a default applied when the caller omits a
// value.
type ApplicationParameter struct {
	Name         string             `json:"name"`
	Type         ParamType          `json:"type"`
	Optional     bool               `json:"optional"`
	DefaultValue *AppParameterValue `json:"default_value,omitempty"`
}

// Application is a catalog entry resolved read-only during verification.
type Application struct {
	Metadata   NameAndVersion         `json:"metadata"`
	Tool       Tool                   `json:"tool"`
	Parameters []ApplicationParameter `json:"parameters"`
}
