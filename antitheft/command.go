package antitheft

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType selects which remote command a dispatched envelope carries.
type CommandType string

const (
	CommandLocate CommandType = "locate"
	CommandRing   CommandType = "ring"
	CommandLock   CommandType = "lock"
	CommandWipe   CommandType = "wipe"
)

var (
	ErrUnknownCommand  = errors.New("antitheft: unknown command type")
	ErrInvalidMetadata = errors.New("antitheft: invalid command metadata")
)

// LockMetadata carries the lock command's payload. PhoneNumber is an
// optional contact number shown alongside the lock message.
type LockMetadata struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Command is a fully decoded remote command. Exactly the variant field
// matching Type is populated; locate, ring and wipe carry no metadata.
type Command struct {
	ID   string
	Type CommandType
	Lock *LockMetadata
}

type envelope struct {
	ID          string          `json:"id"`
	CommandType string          `json:"command_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// DecodeCommand validates an inbound envelope at the dispatch boundary.
// Malformed metadata fails here with a typed error instead of surfacing as a
// missing field deep inside a handler.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if env.ID == "" {
		return Command{}, fmt.Errorf("%w: missing command id", ErrInvalidMetadata)
	}

	cmd := Command{ID: env.ID, Type: CommandType(env.CommandType)}
	switch cmd.Type {
	case CommandLocate, CommandRing, CommandWipe:
		if !metadataEmpty(env.Metadata) {
			return Command{}, fmt.Errorf("%w: %s takes no metadata", ErrInvalidMetadata, cmd.Type)
		}
	case CommandLock:
		var meta LockMetadata
		if err := decodeStrict(env.Metadata, &meta); err != nil {
			return Command{}, fmt.Errorf("%w: lock: %v", ErrInvalidMetadata, err)
		}
		cmd.Lock = &meta
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, env.CommandType)
	}
	return cmd, nil
}

func metadataEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

func decodeStrict(raw json.RawMessage, out interface{}) error {
	if metadataEmpty(raw) {
		return errors.New("metadata required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
