package memory

import (
	"errors"
	"sync"

	"github.com/adwski/storyboard-relay/backend/model"
)

const (
	DefaultMaxParticipants = 8
)

var (
	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
)

type MemStore struct {
	mx  *sync.Mutex
	db  map[string]*model.Room
	max int
}

// NewMemStore creates a store admitting at most maxParticipants per room.
// Non-positive values fall back to DefaultMaxParticipants.
func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &MemStore{
		mx:  &sync.Mutex{},
		db:  make(map[string]*model.Room),
		max: maxParticipants,
	}
}

func (ms *MemStore) CreateOrJoinRoom(roomID string, userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:     roomID,
			Leader: userID,
			Participants: map[string]model.Participant{
				userID: {ID: userID},
			},
		}
		ms.db[roomID] = room
		return copyRoom(room), nil
	}

	if len(room.Participants) >= ms.max {
		if _, ok := room.Participants[userID]; !ok {
			return nil, ErrRoomIsFull
		}
	}

	room.Participants[userID] = model.Participant{
		ID: userID,
	}
	return copyRoom(room), nil
}

// LeaveRoom removes userID from the room. Empty rooms are dropped. When the
// leader leaves, the remaining member with the smallest id takes over.
func (ms *MemStore) LeaveRoom(roomID string, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(room.Participants, userID)
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
		return nil
	}
	if room.Leader == userID {
		room.Leader = ""
		for id := range room.Participants {
			if room.Leader == "" || id < room.Leader {
				room.Leader = id
			}
		}
	}
	return nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Leader:       room.Leader,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
