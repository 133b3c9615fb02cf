package gossip

import (
	"sort"
	"sync"

	"github.com/helicondb/helicon/internal/model"
)

// Fake is an in-memory Gossiper for tests. State injected through
// InjectEndpointState and SetAlive flows through the same listener
// callbacks the networked service uses.
type Fake struct {
	localEndpoint model.NodeID
	generation    int64

	mu        sync.RWMutex
	states    map[model.NodeID]*EndpointState
	live      map[model.NodeID]bool
	version   int64
	listeners []StateListener
}

var _ Gossiper = (*Fake)(nil)

func NewFake(localEndpoint model.NodeID, generation int64) *Fake {
	f := &Fake{
		localEndpoint: localEndpoint,
		generation:    generation,
		states:        make(map[model.NodeID]*EndpointState),
		live:          make(map[model.NodeID]bool),
	}
	f.states[localEndpoint] = &EndpointState{
		Generation: generation,
		States:     make(map[model.ApplicationState]model.VersionedValue),
	}
	f.live[localEndpoint] = true
	return f
}

func (f *Fake) LocalEndpoint() model.NodeID { return f.localEndpoint }
func (f *Fake) LocalGeneration() int64      { return f.generation }

func (f *Fake) AddLocalApplicationState(states map[model.ApplicationState]string) error {
	f.mu.Lock()
	local := f.states[f.localEndpoint]
	changed := make(map[model.ApplicationState]model.VersionedValue, len(states))
	for key, value := range states {
		f.version++
		vv := model.VersionedValue{Value: value, Version: f.version}
		local.States[key] = vv
		changed[key] = vv
	}
	listeners := append([]StateListener(nil), f.listeners...)
	f.mu.Unlock()
	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(f.localEndpoint, key, vv)
		}
	}
	return nil
}

func (f *Fake) AdvertiseEndpointState(endpoint model.NodeID, states map[model.ApplicationState]string) error {
	if endpoint == f.localEndpoint {
		return f.AddLocalApplicationState(states)
	}
	f.mu.Lock()
	st, known := f.states[endpoint]
	if !known {
		st = &EndpointState{Generation: 1, States: make(map[model.ApplicationState]model.VersionedValue)}
		f.states[endpoint] = st
	}
	changed := make(map[model.ApplicationState]model.VersionedValue, len(states))
	for key, value := range states {
		f.version++
		vv := model.VersionedValue{Value: value, Version: f.version}
		st.States[key] = vv
		changed[key] = vv
	}
	listeners := append([]StateListener(nil), f.listeners...)
	f.mu.Unlock()
	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(endpoint, key, vv)
		}
	}
	return nil
}

// InjectEndpointState simulates a remote endpoint gossiping the given
// application states under the given generation. The merge rules match
// the networked service: higher generation replaces the entry and
// fires OnJoin, same generation fires OnChange per advanced key.
func (f *Fake) InjectEndpointState(endpoint model.NodeID, generation int64, states map[model.ApplicationState]string) {
	f.mu.Lock()
	existing, known := f.states[endpoint]

	var joined *EndpointState
	var changed map[model.ApplicationState]model.VersionedValue

	if !known || generation > existing.Generation {
		entry := &EndpointState{Generation: generation, States: make(map[model.ApplicationState]model.VersionedValue)}
		for key, value := range states {
			f.version++
			entry.States[key] = model.VersionedValue{Value: value, Version: f.version}
		}
		f.states[endpoint] = entry
		f.live[endpoint] = true
		joined = entry.clone()
	} else if generation == existing.Generation {
		changed = make(map[model.ApplicationState]model.VersionedValue)
		for key, value := range states {
			f.version++
			vv := model.VersionedValue{Value: value, Version: f.version}
			existing.States[key] = vv
			changed[key] = vv
		}
	}
	listeners := append([]StateListener(nil), f.listeners...)
	f.mu.Unlock()

	if joined != nil {
		for _, l := range listeners {
			l.OnJoin(endpoint, joined.clone())
		}
		return
	}
	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(endpoint, key, vv)
		}
	}
}

func (f *Fake) SetAlive(endpoint model.NodeID, alive bool) {
	f.mu.Lock()
	f.live[endpoint] = alive
	st, known := f.states[endpoint]
	var snapshot *EndpointState
	if known {
		snapshot = st.clone()
	}
	listeners := append([]StateListener(nil), f.listeners...)
	f.mu.Unlock()
	if snapshot == nil {
		return
	}
	for _, l := range listeners {
		if alive {
			l.OnAlive(endpoint, snapshot)
		} else {
			l.OnDead(endpoint, snapshot)
		}
	}
}

func (f *Fake) EndpointState(endpoint model.NodeID) (*EndpointState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[endpoint]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

func (f *Fake) Endpoints() []model.NodeID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	eps := make([]model.NodeID, 0, len(f.states))
	for ep := range f.states {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

func (f *Fake) IsAlive(endpoint model.NodeID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live[endpoint]
}

func (f *Fake) LiveEndpoints() []model.NodeID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	eps := make([]model.NodeID, 0, len(f.live))
	for ep, alive := range f.live {
		if alive {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

func (f *Fake) GossipStatus(endpoint model.NodeID) string {
	st, ok := f.EndpointState(endpoint)
	if !ok {
		return ""
	}
	status, _ := st.Status()
	return status
}

func (f *Fake) ForceRemoveEndpoint(endpoint model.NodeID) {
	if endpoint == f.localEndpoint {
		return
	}
	f.mu.Lock()
	_, ok := f.states[endpoint]
	delete(f.states, endpoint)
	delete(f.live, endpoint)
	listeners := append([]StateListener(nil), f.listeners...)
	f.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range listeners {
		l.OnRemove(endpoint)
	}
}

func (f *Fake) Subscribe(listener StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

func (f *Fake) Unsubscribe(listener StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.listeners {
		if l == listener {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}
