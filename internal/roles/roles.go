// Package roles maps connected device identifiers onto stable logical slots
// so devices keep their semantic identity regardless of discovery order.
//
// Assignments are sticky: they survive disconnect/reconnect and app restarts
// (persisted to the durable KV store) and are cleared only by explicit
// unassignment.
package roles

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/strydelabs/stridelink/internal/storage"
)

// Slot is a logical wearing position.
type Slot string

const (
	SlotLeftFoot  Slot = "left_foot"
	SlotRightFoot Slot = "right_foot"
	SlotRacket    Slot = "racket"
)

// slotPriority is the fixed auto-assignment order. Resolution must never
// depend on map iteration order.
var slotPriority = []Slot{SlotLeftFoot, SlotRightFoot, SlotRacket}

// SlotPriority returns the fixed priority order of all slots.
func SlotPriority() []Slot {
	out := make([]Slot, len(slotPriority))
	copy(out, slotPriority)
	return out
}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	for _, known := range slotPriority {
		if s == known {
			return true
		}
	}
	return false
}

// DefaultColor returns the display color conventionally tied to a slot.
func (s Slot) DefaultColor() string {
	switch s {
	case SlotLeftFoot:
		return "#2e7df6"
	case SlotRightFoot:
		return "#f6542e"
	case SlotRacket:
		return "#2ef65e"
	default:
		return "#999999"
	}
}

// Assignment binds one device to one slot.
type Assignment struct {
	DeviceID   string    `json:"device_id"`
	Slot       Slot      `json:"slot"`
	Color      string    `json:"color"`
	AssignedAt time.Time `json:"assigned_at"`
}

const kvKeyPrefix = "role."

// Assigner owns the slot table. All methods are safe for concurrent use.
type Assigner struct {
	mu     sync.Mutex
	store  storage.KV
	logger *logrus.Logger
	// byDevice preserves assignment order for deterministic listing.
	byDevice *orderedmap.OrderedMap[string, Assignment]
	now      func() time.Time
}

// NewAssigner creates an Assigner backed by the given store. Store failures
// are logged and tolerated; in-memory state always proceeds.
func NewAssigner(store storage.KV, logger *logrus.Logger) *Assigner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Assigner{
		store:    store,
		logger:   logger,
		byDevice: orderedmap.New[string, Assignment](),
		now:      time.Now,
	}
}

// Assign binds deviceID to slot. If the slot is held by a different device,
// that device is unassigned first; a slot never holds two devices.
func (a *Assigner) Assign(deviceID string, slot Slot, color string) (Assignment, error) {
	if !slot.Valid() {
		return Assignment{}, fmt.Errorf("unknown slot %q", slot)
	}
	if color == "" {
		color = slot.DefaultColor()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if holder, ok := a.slotHolderLocked(slot); ok && holder != deviceID {
		a.byDevice.Delete(holder)
		a.logger.WithFields(logrus.Fields{
			"slot":     slot,
			"evicted":  holder,
			"assigned": deviceID,
		}).Info("Slot reassigned")
	}

	assignment := Assignment{
		DeviceID:   deviceID,
		Slot:       slot,
		Color:      color,
		AssignedAt: a.now(),
	}
	a.byDevice.Set(deviceID, assignment)
	a.persistLocked(deviceID, &assignment)
	return assignment, nil
}

// Unassign clears the slot for deviceID. No-op when unassigned.
func (a *Assigner) Unassign(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byDevice.Get(deviceID); !ok {
		return
	}
	a.byDevice.Delete(deviceID)
	a.persistLocked(deviceID, nil)
}

// SlotOf returns the current slot of deviceID.
func (a *Assigner) SlotOf(deviceID string) (Slot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asg, ok := a.byDevice.Get(deviceID)
	if !ok {
		return "", false
	}
	return asg.Slot, true
}

// Assignments returns a snapshot in assignment order.
func (a *Assigner) Assignments() []Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Assignment, 0, a.byDevice.Len())
	for pair := a.byDevice.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// AutoAssign picks a slot for a newly connected device: the persisted slot
// if it is currently free, otherwise the first free slot in priority order.
// Returns ok=false when every slot is occupied by another device.
func (a *Assigner) AutoAssign(deviceID string) (Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Already assigned in memory: keep it (sticky across reconnects).
	if existing, ok := a.byDevice.Get(deviceID); ok {
		return existing, true
	}

	if persisted, ok := a.loadPersistedLocked(deviceID); ok {
		if holder, occupied := a.slotHolderLocked(persisted.Slot); !occupied || holder == deviceID {
			persisted.DeviceID = deviceID
			persisted.AssignedAt = a.now()
			a.byDevice.Set(deviceID, persisted)
			a.persistLocked(deviceID, &persisted)
			return persisted, true
		}
	}

	for _, slot := range slotPriority {
		if _, occupied := a.slotHolderLocked(slot); occupied {
			continue
		}
		assignment := Assignment{
			DeviceID:   deviceID,
			Slot:       slot,
			Color:      slot.DefaultColor(),
			AssignedAt: a.now(),
		}
		a.byDevice.Set(deviceID, assignment)
		a.persistLocked(deviceID, &assignment)
		return assignment, true
	}
	return Assignment{}, false
}

// slotHolderLocked returns the device currently holding slot.
func (a *Assigner) slotHolderLocked(slot Slot) (string, bool) {
	for pair := a.byDevice.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Slot == slot {
			return pair.Key, true
		}
	}
	return "", false
}

// persistLocked writes (or clears, for nil) the assignment for deviceID.
// Persistence failures are logged; the in-memory assignment stands.
func (a *Assigner) persistLocked(deviceID string, assignment *Assignment) {
	if a.store == nil {
		return
	}
	var payload string
	if assignment != nil {
		data, err := json.Marshal(assignment)
		if err != nil {
			a.logger.WithError(err).WithField("device", deviceID).Warn("Failed to encode role assignment")
			return
		}
		payload = string(data)
	}
	if err := a.store.Set(kvKeyPrefix+deviceID, payload); err != nil {
		a.logger.WithError(err).WithField("device", deviceID).Warn("Failed to persist role assignment, keeping in-memory state")
	}
}

func (a *Assigner) loadPersistedLocked(deviceID string) (Assignment, bool) {
	if a.store == nil {
		return Assignment{}, false
	}
	raw, ok, err := a.store.Get(kvKeyPrefix + deviceID)
	if err != nil {
		a.logger.WithError(err).WithField("device", deviceID).Warn("Failed to read persisted role assignment")
		return Assignment{}, false
	}
	if !ok || raw == "" {
		return Assignment{}, false
	}
	var assignment Assignment
	if err := json.Unmarshal([]byte(raw), &assignment); err != nil {
		a.logger.WithError(err).WithField("device", deviceID).Warn("Corrupt persisted role assignment ignored")
		return Assignment{}, false
	}
	if !assignment.Slot.Valid() {
		return Assignment{}, false
	}
	return assignment, true
}
