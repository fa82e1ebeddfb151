package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClearEvents 清空事件
// POST /admin/clear-events
func (h *Handler) ClearEvents(c *gin.Context) {
	n, err := h.deps.Admin.ClearEvents(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "clear events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted": n})
}

// ClearAll 清空用户、车辆和事件
// POST /admin/clear-all
func (h *Handler) ClearAll(c *gin.Context) {
	if err := h.deps.Admin.ClearAll(c.Request.Context()); err != nil {
		h.respondError(c, err, "clear all data")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Dump 导出全部表内容
// GET /admin/dump
func (h *Handler) Dump(c *gin.Context) {
	dump, err := h.deps.Admin.Dump(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "dump tables")
		return
	}
	c.JSON(http.StatusOK, dump)
}
