package rpc

// The wire shapes below mirror spec.md §6's external interface table
// exactly; field names use JSON tags rather than protobuf tags since
// there is no .proto source for this service.

// ProvisionRequest is Run/Provision's request.
type ProvisionRequest struct {
	ContainerReference string            `json:"container_reference"`
	VCPUs              int32             `json:"vcpus"`
	MemoryMB           int32             `json:"memory_mb"`
	Env                map[string]string `json:"env,omitempty"`
	CmdArgs            []string          `json:"cmd_args,omitempty"`
}

// ProvisionResponse is Run/Provision's response.
type ProvisionResponse struct {
	ID string `json:"id"`
}

// DeprovisionRequest is Rm/Deprovision's request.
type DeprovisionRequest struct {
	InstanceID   string `json:"instance_id"`
	TimeoutMs    int64  `json:"timeout_millis"`
}

// DeprovisionResponse is Rm/Deprovision's (empty) response.
type DeprovisionResponse struct{}

// ListRequest is Ls/ListInstances's (empty) request.
type ListRequest struct{}

// InstanceRef is one entry in ListResponse.
type InstanceRef struct {
	ID string `json:"id"`
}

// ListResponse is Ls/ListInstances's response.
type ListResponse struct {
	Instances []InstanceRef `json:"instances"`
}

// LogsRequest is Logs's and StreamLogs's shared request.
type LogsRequest struct {
	ID string `json:"id"`
}

// LogMessage is the wire shape of one ring record, per spec.md §6:
// exactly one of Message and State is set.
type LogMessage struct {
	Message     *string `json:"message,omitempty"`
	TimestampMs int64   `json:"timestamp_ms"`
	LogType     string  `json:"log_type"`
	State       *string `json:"state,omitempty"`
}

// LogsResponse is Logs's response: a snapshot only.
type LogsResponse struct {
	Logs []LogMessage `json:"logs"`
}

// PublishServicePortRequest is Pub/PublishServicePort's request.
type PublishServicePortRequest struct {
	ID        string `json:"id"`
	HostPort  int32  `json:"host_port"`
	GuestPort int32  `json:"guest_port"`
}

// PublishServicePortResponse is Pub/PublishServicePort's (empty) response.
type PublishServicePortResponse struct{}

// DrainRequest is Drain's (empty) request.
type DrainRequest struct{}

// DrainResponse is Drain's (empty) response.
type DrainResponse struct{}
