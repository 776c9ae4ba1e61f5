// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime          string `json:"uptime"`
	Environment     string `json:"environment"`
	Pipelines       int    `json:"pipelines"`
	Endpoints       int    `json:"endpoints"`
	Buffers         int    `json:"buffers"`
	Tasks           int    `json:"tasks"`
	AvailableLcores int    `json:"available_lcores"`
	PoolCapacity    int    `json:"pool_capacity"`
	PoolAvailable   int    `json:"pool_available"`
	LastError       string `json:"last_error,omitempty"`
}

// LoadPipelineRequest loads a pipeline from a spec file on the daemon host.
type LoadPipelineRequest struct {
	Name     string `json:"name"`
	SpecPath string `json:"spec_path"`
}

// CreateEndpointRequest opens a port endpoint. Iface accepts a numeric
// port id, an exact interface name, or a unique name substring.
type CreateEndpointRequest struct {
	Name  string `json:"name"`
	Iface string `json:"iface"`
	Rx    bool   `json:"rx"`
}

// CreateBufferRequest allocates a device-visible buffer.
type CreateBufferRequest struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// CreateTaskRequest binds a pipeline, an endpoint, and optionally a buffer
// onto a worker core. SpecPath names the pipeline spec to load for this
// task. Buffer below zero means no buffer.
type CreateTaskRequest struct {
	Name     string `json:"name"`
	SpecPath string `json:"spec_path"`
	Parser   bool   `json:"parser"`
	Endpoint int32  `json:"endpoint"`
	Buffer   int32  `json:"buffer"`
	Burst    int    `json:"burst"`
}

// BufferWriteRequest writes base64-encoded bytes at an offset.
type BufferWriteRequest struct {
	Offset int    `json:"offset"`
	Data   string `json:"data"`
}

// BufferReadResponse carries base64-encoded buffer contents.
type BufferReadResponse struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Data   string `json:"data"`
}

// HandleResponse returns the handle a create operation produced.
type HandleResponse struct {
	Handle int32 `json:"handle"`
}

// PortEntry describes one environment port.
type PortEntry struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
	MAC  string `json:"mac,omitempty"`
}
