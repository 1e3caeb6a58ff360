package core

import (
	"fmt"
	"sync"
)

// owners maps an identifier to the object that holds it. A nil slot is free.
var owners []interface{}

var ownersMutex sync.Mutex

func IdentifierAquireNewID(owner interface{}) uint32 {
	ownersMutex.Lock()
	defer ownersMutex.Unlock()

	if len(owners) == 0 {
		owners = make([]interface{}, 100)
	}
	length := uint32(len(owners))
	for i := uint32(0); i < length; i++ {
		// Existing free spot. Take it.
		if owners[i] == nil {
			owners[i] = owner
			return i
		}
	}

	// If here, no existing free slots. Need a new id, so push one.
	// This means the id will be length - 1
	owners = append(owners, owner)
	length = uint32(len(owners))
	return length - 1
}

func IdentifierReleaseID(id uint32) error {
	ownersMutex.Lock()
	defer ownersMutex.Unlock()

	if len(owners) == 0 {
		err := fmt.Errorf("identifier_release_id called before initialization. identifier_aquire_new_id should have been called first. Nothing was done")
		return err
	}

	length := uint32(len(owners))
	if id >= length {
		err := fmt.Errorf("identifier_release_id: id '%d' out of range (max=%d). Nothing was done", id, length)
		return err
	}

	// Just zero out the entry, making it available for use.
	owners[id] = nil
	return nil
}

// IdentifierOwner returns the object currently holding id.
func IdentifierOwner(id uint32) (interface{}, bool) {
	ownersMutex.Lock()
	defer ownersMutex.Unlock()

	if id >= uint32(len(owners)) || owners[id] == nil {
		return nil, false
	}
	return owners[id], true
}
