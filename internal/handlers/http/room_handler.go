package http

import (
	"net/http"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the read-only room directory.
type RoomHandler struct {
	registry ports.RoomRegistry
}

func NewRoomHandler(registry ports.RoomRegistry) *RoomHandler {
	return &RoomHandler{registry: registry}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:name", h.GetRoom)
		api.GET("/users", h.ListUsers)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// GetRoom returns one room with per-member presence.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room := domain.RoomName(c.Param("name"))

	members, err := h.registry.Members(room)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":     room,
		"members":  members,
		"count":    len(members),
		"presence": h.registry.Presence(room),
	})
}

func (h *RoomHandler) ListUsers(c *gin.Context) {
	users := h.registry.Users()
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": len(users),
	})
}
