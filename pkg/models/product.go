package models

import "fmt"

// Product is catalog metadata for something a provider sells. PricePerUnit is
// credits per billing unit (one minute of one replica for compute products).
type Product struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Provider     string `json:"provider"`
	PricePerUnit int64  `json:"price_per_unit"`
	Description  string `json:"description,omitempty"`
}

// Ref returns the reference corresponding to this product.
func (p Product) Ref() ProductReference {
	return ProductReference{ID: p.ID, Category: p.Category, Provider: p.Provider}
}

// DockerSupport is the capability set a provider declares for
// container-backed applications.
type DockerSupport struct {
	Enabled       bool `json:"enabled"`
	Web           bool `json:"web"`
	Vnc           bool `json:"vnc"`
	Terminal      bool `json:"terminal"`
	Logs          bool `json:"logs"`
	TimeExtension bool `json:"time_extension"`
	Utilization   bool `json:"utilization"`
	Peers         bool `json:"peers"`
}

// VirtualMachineSupport is the capability set a provider declares for
// VM-backed applications.
type VirtualMachineSupport struct {
	Enabled       bool `json:"enabled"`
	Vnc           bool `json:"vnc"`
	Terminal      bool `json:"terminal"`
	Logs          bool `json:"logs"`
	TimeExtension bool `json:"time_extension"`
	Utilization   bool `json:"utilization"`
}

// ComputeSupport is the provider-declared feature document for one product.
type ComputeSupport struct {
	Product        ProductReference      `json:"product"`
	Docker         DockerSupport         `json:"docker"`
	VirtualMachine VirtualMachineSupport `json:"virtual_machine"`
}

// Feature names checked against ComputeSupport per backend.
type SupportFeature string

const (
	FeatureLogs          SupportFeature = "logs"
	FeatureWeb           SupportFeature = "web"
	FeatureVnc           SupportFeature = "vnc"
	FeatureTerminal      SupportFeature = "terminal"
	FeatureTimeExtension SupportFeature = "time_extension"
	FeatureUtilization   SupportFeature = "utilization"
	FeaturePeers         SupportFeature = "peers"
)

// BackendEnabled reports whether the provider supports the backend at all.
func (s ComputeSupport) BackendEnabled(backend ToolBackend) bool {
	switch backend {
	case ToolBackendDocker:
		return s.Docker.Enabled
	case ToolBackendVirtualMachine:
		return s.VirtualMachine.Enabled
	}
	return false
}

// Supports reports whether the provider declares the feature for the backend.
func (s ComputeSupport) Supports(backend ToolBackend, feature SupportFeature) bool {
	switch backend {
	case ToolBackendDocker:
		switch feature {
		case FeatureLogs:
			return s.Docker.Logs
		case FeatureWeb:
			return s.Docker.Web
		case FeatureVnc:
			return s.Docker.Vnc
		case FeatureTerminal:
			return s.Docker.Terminal
		case FeatureTimeExtension:
			return s.Docker.TimeExtension
		case FeatureUtilization:
			return s.Docker.Utilization
		case FeaturePeers:
			return s.Docker.Peers
		}
	case ToolBackendVirtualMachine:
		switch feature {
		case FeatureVnc:
			return s.VirtualMachine.Vnc
		case FeatureTerminal:
			return s.VirtualMachine.Terminal
		case FeatureLogs:
			return s.VirtualMachine.Logs
		case FeatureTimeExtension:
			return s.VirtualMachine.TimeExtension
		case FeatureUtilization:
			return s.VirtualMachine.Utilization
		}
	}
	return false
}

// ProviderSpecification is the registered endpoint metadata of a provider.
type ProviderSpecification struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	HTTPS  bool   `json:"https"`
	Port   *int   `json:"port,omitempty"`
}

// BaseURL renders the provider's endpoint as a URL prefix.
func (p ProviderSpecification) BaseURL() string {
	scheme := "http"
	if p.HTTPS {
		scheme = "https"
	}
	if p.Port != nil {
		return fmt.Sprintf("%s://%s:%d", scheme, p.Domain, *p.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, p.Domain)
}
