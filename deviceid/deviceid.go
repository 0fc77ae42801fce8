package deviceid

import (
	"errors"
	"strings"

	"aegis/kvstore"

	"github.com/google/uuid"
)

const storeKey = "device_id"

// Get returns the stable device identifier, minting and persisting one on
// first call. The id lives in secure storage because the backend keys all
// device-scoped records on it.
func Get(store *kvstore.Store) (string, error) {
	id, err := store.Get(storeKey)
	if err == nil && strings.TrimSpace(id) != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := store.SetSecure(storeKey, id); err != nil {
		return "", err
	}
	return id, nil
}
