// Package registry implements the process-wide, append-only catalog of
// declared events, calibration segments and measurement objects that the
// protocol engine consults and that an external A2L-writer collaborator
// would render to a file (spec.md §3 "Registry", §4.6).
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicate is returned when an event name or a calibration
	// segment name is registered twice. Measurement and typedef names are
	// not checked for duplicates.
	ErrDuplicate = errors.New("registry: duplicate name")
	// ErrFrozen is returned for any write attempted after Freeze.
	ErrFrozen = errors.New("registry: registry is frozen")
	// ErrNotFrozen is returned when Snapshot is called before Freeze.
	ErrNotFrozen = errors.New("registry: registry is not frozen")
)

// Event is a stable identifier for a point in the application where
// measurement sampling may be triggered (spec.md §3 "Event").
type Event struct {
	ID          uint16
	Name        string
	CycleHintMs uint32
}

// CalSegDescriptor is the registry-side record of a calibration segment:
// just enough information for the protocol engine and an A2L writer to
// know it exists, not the segment's live memory (owned by pkg/calseg).
type CalSegDescriptor struct {
	Index   uint8
	Name    string
	Size    int
	RefPage []byte
}

// Measurement describes one measurable object for the A2L collaborator.
type Measurement struct {
	Name     string
	DataType string
	Address  uint32
	Ext      uint8
	Length   uint8
}

// Typedef describes a structured record of fields, for nested
// measurements reflected from user structures.
type Typedef struct {
	Name   string
	Fields []TypedefField
}

// TypedefField is one member of a Typedef.
type TypedefField struct {
	Name     string
	DataType string
	Offset   uint16
	Length   uint8
}

// Identification is the EPK / A2L filename block served by GET_ID.
type Identification struct {
	EPK     string
	A2LName string
}

// Descriptor is the immutable view an A2L writer collaborator consumes
// after Freeze.
type Descriptor struct {
	Events         []Event
	CalSegs        []CalSegDescriptor
	Measurements   []Measurement
	Typedefs       []Typedef
	Identification Identification
}

// Registry is the append-only catalog. It is safe for concurrent use
// before and after Freeze: every method, reads included, takes the one
// mutex (registration happens at startup from one goroutine in practice,
// but the mutex makes no assumption).
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	events   []Event
	segs     []CalSegDescriptor
	meas     []Measurement
	typedefs []Typedef
	ident    Identification

	eventNames map[string]struct{}
	segNames   map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		eventNames: make(map[string]struct{}),
		segNames:   make(map[string]struct{}),
	}
}

// RegisterEvent appends a new Event and returns its allocated ID.
func (r *Registry) RegisterEvent(name string, cycleHintMs uint32) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, ErrFrozen
	}
	if _, ok := r.eventNames[name]; ok {
		return 0, fmt.Errorf("%w: event %q", ErrDuplicate, name)
	}
	id := uint16(len(r.events))
	r.events = append(r.events, Event{ID: id, Name: name, CycleHintMs: cycleHintMs})
	r.eventNames[name] = struct{}{}
	return id, nil
}

// RegisterCalSeg appends a new calibration segment descriptor and
// returns its allocated index.
func (r *Registry) RegisterCalSeg(name string, size int, refPage []byte) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, ErrFrozen
	}
	if _, ok := r.segNames[name]; ok {
		return 0, fmt.Errorf("%w: calseg %q", ErrDuplicate, name)
	}
	if len(r.segs) >= 255 {
		return 0, errors.New("registry: too many calibration segments")
	}
	idx := uint8(len(r.segs))
	r.segs = append(r.segs, CalSegDescriptor{Index: idx, Name: name, Size: size, RefPage: refPage})
	r.segNames[name] = struct{}{}
	return idx, nil
}

// RegisterMeasurement appends a measurement object descriptor.
func (r *Registry) RegisterMeasurement(desc Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.meas = append(r.meas, desc)
	return nil
}

// RegisterTypedef appends a typedef descriptor.
func (r *Registry) RegisterTypedef(fields Typedef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.typedefs = append(r.typedefs, fields)
	return nil
}

// SetIdentification stores the EPK / A2L filename served by GET_ID.
func (r *Registry) SetIdentification(ident Identification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.ident = ident
	return nil
}

// Freeze makes the registry immutable. The set of events and segments is
// frozen when the tool connects, per spec.md §3 "Event" lifecycle.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Snapshot returns an immutable view of the registry. It requires Freeze
// to have been called, since the view would otherwise be stale the
// instant it's read.
func (r *Registry) Snapshot() (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frozen {
		return Descriptor{}, ErrNotFrozen
	}
	return Descriptor{
		Events:         append([]Event(nil), r.events...),
		CalSegs:        append([]CalSegDescriptor(nil), r.segs...),
		Measurements:   append([]Measurement(nil), r.meas...),
		Typedefs:       append([]Typedef(nil), r.typedefs...),
		Identification: r.ident,
	}, nil
}

// EventByID returns the event registered for id, if any. Valid both
// before and after Freeze.
func (r *Registry) EventByID(id uint16) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.events) {
		return Event{}, false
	}
	return r.events[id], true
}

// CalSegByIndex returns the descriptor for a registered segment index.
func (r *Registry) CalSegByIndex(idx uint8) (CalSegDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.segs) {
		return CalSegDescriptor{}, false
	}
	return r.segs[idx], true
}

// NumEvents returns how many events are currently registered.
func (r *Registry) NumEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// NumCalSegs returns how many calibration segments are currently
// registered.
func (r *Registry) NumCalSegs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segs)
}
