package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fingerdev/finger/internal/events/bus"
)

// EventTypes lists the distinct event types seen so far.
// GET /api/v1/events/types
func (h *Handler) EventTypes(c *gin.Context) {
	seen := make(map[string]struct{})
	for _, event := range h.deps.Events.History(bus.HistoryFilter{}, 0) {
		seen[event.Type] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	c.JSON(http.StatusOK, gin.H{"types": types})
}

// EventGroups lists the fixed subscription groups.
// GET /api/v1/events/groups
func (h *Handler) EventGroups(c *gin.Context) {
	groups := make([]string, 0, len(bus.Groups))
	for _, g := range bus.Groups {
		groups = append(groups, string(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// EventHistory returns recent events, optionally filtered by type or group.
// GET /api/v1/events/history?type=&group=&limit=
func (h *Handler) EventHistory(c *gin.Context) {
	filter := bus.HistoryFilter{Type: c.Query("type")}
	if name := c.Query("group"); name != "" {
		group, ok := bus.ParseGroup(name)
		if !ok {
			badRequest(c, "unknown group: "+name)
			return
		}
		filter.Group = group
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	events := h.deps.Events.History(filter, limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
