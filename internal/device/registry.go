package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	ErrNoDevice       = errors.New("device: no such device")
	ErrDriverAttached = errors.New("device: driver already attached")
	ErrNoDriver       = errors.New("device: no driver attached")
	ErrBusy           = errors.New("device: driver callback in progress")
	ErrProbeFailed    = errors.New("device: probe failed")
	ErrStartFailed    = errors.New("device: start failed")
)

const descriptionSeparator = "; "

// Driver is implemented by anything that can own a device.
type Driver interface {
	// Probe reports whether the driver supports dev. A non-nil error declines.
	Probe(dev *Device) error
	// Start brings the device up. A non-nil error aborts the attach.
	Start(dev *Device) error
	// Stop quiesces the device but keeps its resources.
	Stop(dev *Device)
	// Release drops whatever Start acquired.
	Release(dev *Device)
}

// State is the driver lifecycle position of a registry entry.
type State uint8

const (
	Unattached State = iota
	Probed
	Started
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Probed:
		return "probed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type entry struct {
	dev    *Device
	driver Driver
	state  State
	busy   bool
}

// Registry owns every discovered device.
//
// Driver callbacks run without the registry lock held: the entry is marked
// busy for the duration instead, so a callback may call back into the
// registry. Attach or Detach of a busy entry fails with ErrBusy.
type Registry struct {
	mu      sync.Mutex
	nextID  ID
	entries []*entry
	byID    map[ID]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextID: 1,
		byID:   make(map[ID]*entry),
	}
}

// Register adds desc as a new device and returns its id.
func (r *Registry) Register(desc Descriptor) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(desc)
}

func (r *Registry) registerLocked(desc Descriptor) ID {
	id := r.nextID
	r.nextID++
	e := &entry{dev: newDevice(id, desc)}
	r.entries = append(r.entries, e)
	r.byID[id] = e
	slog.Debug("device: registered", "id", id, "vendor", fmt.Sprintf("%04x", desc.VendorID), "device", fmt.Sprintf("%04x", desc.DeviceID), "desc", desc.Description)
	return id
}

// MergeOrRegister unions desc into the first device with the same vendor and
// device id, or registers it as a new device when there is none. Merging is
// a set union: merging identical content twice changes nothing.
func (r *Registry) MergeOrRegister(desc Descriptor) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		cur := e.dev
		cur.mu.Lock()
		match := cur.desc.VendorID == desc.VendorID && cur.desc.DeviceID == desc.DeviceID
		cur.mu.Unlock()
		if !match {
			continue
		}
		if cur.merge(desc) {
			slog.Debug("device: merged", "id", cur.id, "desc", desc.Description)
		}
		return cur.id
	}
	return r.registerLocked(desc)
}

// Attach probes and starts drv on the device. On any failure the device is
// left without a driver.
func (r *Registry) Attach(id ID, drv Driver) error {
	if drv == nil {
		return fmt.Errorf("device: attach %d: nil driver", id)
	}

	r.mu.Lock()
	e, ok := r.byID[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return fmt.Errorf("device: attach %d: %w", id, ErrNoDevice)
	case e.busy:
		r.mu.Unlock()
		return fmt.Errorf("device: attach %d: %w", id, ErrBusy)
	case e.driver != nil:
		r.mu.Unlock()
		return fmt.Errorf("device: attach %d: %w", id, ErrDriverAttached)
	}
	e.busy = true
	r.mu.Unlock()

	err := r.probeAndStart(e, drv)

	r.mu.Lock()
	defer r.mu.Unlock()
	e.busy = false
	if err != nil {
		e.driver = nil
		e.state = Unattached
		return fmt.Errorf("device: attach %d: %w", id, err)
	}
	e.driver = drv
	e.state = Started
	slog.Info("device: driver attached", "id", id, "driver", fmt.Sprintf("%T", drv))
	return nil
}

func (r *Registry) probeAndStart(e *entry, drv Driver) error {
	if err := drv.Probe(e.dev); err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	r.setState(e, Probed)
	if err := drv.Start(e.dev); err != nil {
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	return nil
}

// Detach stops and releases the attached driver and removes it.
func (r *Registry) Detach(id ID) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return fmt.Errorf("device: detach %d: %w", id, ErrNoDevice)
	case e.busy:
		r.mu.Unlock()
		return fmt.Errorf("device: detach %d: %w", id, ErrBusy)
	case e.driver == nil || e.state != Started:
		r.mu.Unlock()
		return fmt.Errorf("device: detach %d: %w", id, ErrNoDriver)
	}
	drv := e.driver
	e.busy = true
	r.mu.Unlock()

	drv.Stop(e.dev)
	r.setState(e, Stopped)
	drv.Release(e.dev)
	r.setState(e, Released)

	r.mu.Lock()
	defer r.mu.Unlock()
	e.busy = false
	e.driver = nil
	e.state = Unattached
	slog.Info("device: driver detached", "id", id)
	return nil
}

func (r *Registry) setState(e *entry, s State) {
	r.mu.Lock()
	e.state = s
	r.mu.Unlock()
}

// Lookup returns the device with the given id.
func (r *Registry) Lookup(id ID) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// State returns the lifecycle state of the device's driver.
func (r *Registry) State(id ID) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Unattached, fmt.Errorf("device: state %d: %w", id, ErrNoDevice)
	}
	return e.state, nil
}

// FindByVendorDevice returns the ids of all devices matching the pair.
func (r *Registry) FindByVendorDevice(vendor, dev uint16) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ID
	for _, e := range r.entries {
		e.dev.mu.Lock()
		match := e.dev.desc.VendorID == vendor && e.dev.desc.DeviceID == dev
		e.dev.mu.Unlock()
		if match {
			out = append(out, e.dev.id)
		}
	}
	return out
}

// Snapshot is a point-in-time copy of one registry entry.
type Snapshot struct {
	ID         ID
	Descriptor Descriptor
	HasDriver  bool
	State      State
}

// Devices returns a snapshot of every entry in registration order.
func (r *Registry) Devices() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Snapshot{
			ID:         e.dev.id,
			Descriptor: e.dev.Descriptor(),
			HasDriver:  e.driver != nil,
			State:      e.state,
		})
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func descriptionParts(desc string) []string {
	if desc == "" {
		return nil
	}
	return append(strings.Split(desc, descriptionSeparator), desc)
}
