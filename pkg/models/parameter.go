package models

import "github.com/google/uuid"

// ParamType enumerates the value types an application parameter can take.
type ParamType string

const (
	ParamTypeText          ParamType = "text"
	ParamTypeInteger       ParamType = "integer"
	ParamTypeFloatingPoint ParamType = "floating_point"
	ParamTypeBoolean       ParamType = "boolean"
	ParamTypeFile          ParamType = "file"
	ParamTypePeer          ParamType = "peer"
	ParamTypeLicense       ParamType = "license"
	ParamTypeIngress       ParamType = "ingress"
	ParamTypeNetworkIP     ParamType = "network_ip"
)

// AppParameterValue is a typed parameter or resource value supplied with a
// job. Exactly the fields relevant for Type are set; the rest stay zero.
type AppParameterValue struct {
	Type ParamType `json:"type"`

	Text    string   `json:"text,omitempty"`
	Integer *int64   `json:"integer,omitempty"`
	Float   *float64 `json:"float,omitempty"`
	Bool    *bool    `json:"bool,omitempty"`

	// Path is set for file values.
	Path string `json:"path,omitempty"`

	// Hostname and JobID are set for peer values. JobID references another
	// job owned by the same user.
	Hostname string `json:"hostname,omitempty"`
	JobID    string `json:"job_id,omitempty"`

	// ResourceID is set for license, ingress and network IP values.
	ResourceID string `json:"resource_id,omitempty"`
}

// Matches reports whether the value satisfies the declared parameter type.
func (v AppParameterValue) Matches(t ParamType) bool {
	if v.Type != t {
		return false
	}
	switch t {
	case ParamTypeText:
		return v.Text != ""
	case ParamTypeInteger:
		return v.Integer != nil
	case ParamTypeFloatingPoint:
		return v.Float != nil
	case ParamTypeBoolean:
		return v.Bool != nil
	case ParamTypeFile:
		return v.Path != ""
	case ParamTypePeer:
		return v.Hostname != "" && v.JobID != ""
	case ParamTypeLicense, ParamTypeIngress, ParamTypeNetworkIP:
		if _, err := uuid.Parse(v.ResourceID); err != nil {
			return false
		}
		return true
	}
	return false
}
