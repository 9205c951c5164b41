package model

// HostRegistration records a cluster node able to host job producer
// services. Hosts are identified by their base URL and are never deleted,
// only taken offline or deactivated.
type HostRegistration struct {
	ID        int64
	BaseURL   string
	IPAddress string

	// Memory is the node's memory in bytes, Cores its processor count.
	Memory int64
	Cores  int

	// MaxLoad is the job load budget of the node, typically the core count.
	MaxLoad float32

	// Online tracks whether the node is currently part of the cluster.
	Online bool

	// Active is the administrative enable flag.
	Active bool

	// MaintenanceMode excludes the node from dispatching without taking
	// its services offline.
	MaintenanceMode bool
}
