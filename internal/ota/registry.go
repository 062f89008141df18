package ota

import (
	"sort"
	"time"
)

// Registry maps device keys to Device records, with a secondary index by
// friendly name. It holds at most one record per key.
//
// Registry is not safe for concurrent use; the orchestrator owns it and
// serialises every access under its own lock.
type Registry struct {
	devices map[string]*Device
	byName  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		byName:  make(map[string]string),
	}
}

// Get returns the record for key, or nil.
func (r *Registry) Get(key string) *Device {
	return r.devices[key]
}

// Resolve finds a device by key first and friendly name second.
func (r *Registry) Resolve(ref string) (*Device, bool) {
	if d, ok := r.devices[ref]; ok {
		return d, true
	}
	if key, ok := r.byName[ref]; ok {
		d, ok := r.devices[key]
		return d, ok
	}
	return nil, false
}

// Upsert returns the record for key, creating an idle one if needed, and
// keeps the friendly name index current.
func (r *Registry) Upsert(key, friendlyName string, now time.Time) (dev *Device, created bool) {
	dev, ok := r.devices[key]
	if !ok {
		dev = &Device{Key: key, State: StateIdle, UpdatedAt: now}
		r.devices[key] = dev
		created = true
	}
	if dev.FriendlyName != friendlyName {
		if dev.FriendlyName != "" && r.byName[dev.FriendlyName] == key {
			delete(r.byName, dev.FriendlyName)
		}
		dev.FriendlyName = friendlyName
	}
	if friendlyName != "" {
		r.byName[friendlyName] = key
	}
	return dev, created
}

// Remove deletes a record. It reports whether the key was present.
func (r *Registry) Remove(key string) bool {
	dev, ok := r.devices[key]
	if !ok {
		return false
	}
	if dev.FriendlyName != "" && r.byName[dev.FriendlyName] == key {
		delete(r.byName, dev.FriendlyName)
	}
	delete(r.devices, key)
	return true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Keys returns every key in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.devices))
	for k := range r.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List returns copies of every record, sorted by name then key.
func (r *Registry) List() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// CountByState tallies records per state.
func (r *Registry) CountByState() map[State]int {
	counts := make(map[State]int, len(AllStates))
	for _, d := range r.devices {
		counts[d.State]++
	}
	return counts
}
