package ports

import (
	"context"

	"voicechat/internal/core/domain"
)

// RouterProvider binds rooms to routers.
type RouterProvider interface {
	RouterFor(ctx context.Context, room domain.RoomName) (Router, error)
}

type JoinResult struct {
	Router  Router
	Members []string
}

type RoomRegistry interface {
	Join(ctx context.Context, username string, room domain.RoomName) (JoinResult, error)
	Leave(username string, room domain.RoomName) ([]string, error)
	RemoveUserEverywhere(username string, except ...domain.RoomName) map[domain.RoomName][]string
	Members(room domain.RoomName) ([]string, error)
	Rooms() []domain.RoomInfo
	Users() []string

	AddProducer(room domain.RoomName, entry domain.ProducerEntry) error
	RemoveProducer(room domain.RoomName, id domain.ProducerID)
	Producers(room domain.RoomName) []domain.ProducerEntry

	SetMuted(username string, muted bool)
	SetSpeaking(username string, speaking bool)
	Presence(room domain.RoomName) []domain.Presence
}

// EventPublisher fans room events out to other processes. Publishing is
// best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.RoomEvent) error
}
