package antitheft

import (
	"encoding/json"
	"errors"

	"aegis/kvstore"
	"aegis/logger"
)

const lockStateKey = "device_lock_state"

// LockState is the persisted device lock record. The zero value means
// Unlocked, which is also what a device that has never been locked reads.
type LockState struct {
	Locked          bool   `json:"locked"`
	LockMessage     string `json:"lock_message,omitempty"`
	LockPhoneNumber string `json:"lock_phone_number,omitempty"`
}

// LockController is the device lock state machine: Unlocked -> Locked via
// Lock, Locked -> Unlocked via Unlock. State is durable so a process restart
// cannot shake off a remote lock.
type LockController struct {
	store *kvstore.Store
}

func NewLockController(store *kvstore.Store) *LockController {
	return &LockController{store: store}
}

// State is safe to call at any time, including before the first ever lock.
// An unreadable or corrupt record degrades to Unlocked.
func (c *LockController) State() LockState {
	raw, err := c.store.Get(lockStateKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			logger.Warnf("Failed to read lock state: %v", err)
		}
		return LockState{}
	}
	var state LockState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		logger.Warnf("Corrupt lock state record, treating as unlocked: %v", err)
		return LockState{}
	}
	return state
}

// Lock transitions to Locked with the given message and optional contact
// number.
func (c *LockController) Lock(message, phoneNumber string) error {
	return c.persist(LockState{Locked: true, LockMessage: message, LockPhoneNumber: phoneNumber})
}

// Unlock transitions back to Unlocked, clearing message and phone fields.
func (c *LockController) Unlock() error {
	return c.persist(LockState{})
}

func (c *LockController) persist(state LockState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.store.Set(lockStateKey, string(raw))
}
