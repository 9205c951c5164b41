package model

// NodeLoad is the load factor currently carried by a single host.
type NodeLoad struct {
	Host       string
	LoadFactor float32
}

// SystemLoad maps hosts to their current load factor. Iteration order is
// the order in which hosts were added.
type SystemLoad struct {
	order []string
	loads map[string]NodeLoad
}

// NewSystemLoad returns an empty SystemLoad.
func NewSystemLoad() *SystemLoad {
	return &SystemLoad{loads: make(map[string]NodeLoad)}
}

// ContainsHost reports whether a load is known for the given host.
func (s *SystemLoad) ContainsHost(host string) bool {
	_, ok := s.loads[host]
	return ok
}

// Get returns the load of the given host. Unknown hosts report zero load.
func (s *SystemLoad) Get(host string) NodeLoad {
	if load, ok := s.loads[host]; ok {
		return load
	}
	return NodeLoad{Host: host}
}

// Set records the load of a host, replacing any previous value.
func (s *SystemLoad) Set(load NodeLoad) {
	if _, ok := s.loads[load.Host]; !ok {
		s.order = append(s.order, load.Host)
	}
	s.loads[load.Host] = load
}

// Add increases the load of a host by the given amount.
func (s *SystemLoad) Add(host string, load float32) {
	current := s.Get(host)
	current.LoadFactor += load
	s.Set(current)
}

// NodeLoads returns the per-host loads in insertion order.
func (s *SystemLoad) NodeLoads() []NodeLoad {
	loads := make([]NodeLoad, 0, len(s.order))
	for _, host := range s.order {
		loads = append(loads, s.loads[host])
	}
	return loads
}
