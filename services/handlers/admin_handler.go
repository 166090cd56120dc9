package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/block-bots/shared"
)

type AdminHandler struct {
	adminSvc AdminServiceInterface
}

func NewAdminHandler(adminSvc AdminServiceInterface) *AdminHandler {
	return &AdminHandler{
		adminSvc: adminSvc,
	}
}

// @Summary List a block bots set (Admin)
// @Description List the trackable IPs in the whitelist, fake or pending set
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param set path string true "Set name" Enums(whitelist, fake, pending)
// @Success 200 {object} shared.Response{data=dto.IPListResponse}
// @Router /admin/block-bots/sets/{set} [get]
func (h *AdminHandler) ListSet(c *fiber.Ctx) error {
	list, err := h.adminSvc.ListSet(c.UserContext(), c.Params("set"))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Set retrieved successfully", list)
}

// @Summary Clear a block bots set (Admin)
// @Description Remove every IP from the whitelist, fake or pending set
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param set path string true "Set name" Enums(whitelist, fake, pending)
// @Success 200 {object} shared.Response{data=nil}
// @Router /admin/block-bots/sets/{set} [delete]
func (h *AdminHandler) ClearSet(c *fiber.Ctx) error {
	if err := h.adminSvc.ClearSet(c.UserContext(), c.Params("set")); err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Set cleared successfully", nil)
}

// @Summary List hit counters (Admin)
// @Description List live hit counters, busiest first
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Success 200 {object} shared.Response{data=[]dto.HitCount}
// @Router /admin/block-bots/hits [get]
func (h *AdminHandler) ListHits(c *fiber.Ctx) error {
	hits, err := h.adminSvc.ListHits(c.UserContext())
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Hits retrieved successfully", hits)
}

// @Summary List notified IPs (Admin)
// @Description List trackable IPs already logged as blocked in the current window
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Success 200 {object} shared.Response{data=[]string}
// @Router /admin/block-bots/notified [get]
func (h *AdminHandler) ListNotified(c *fiber.Ctx) error {
	ips, err := h.adminSvc.ListNotified(c.UserContext())
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Notified IPs retrieved successfully", ips)
}

// @Summary Recent block events (Admin)
// @Description List audited block and verification events, newest first
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param name query string false "Event name" Enums(user_blocked, bot_blocked, crawler_verified)
// @Param limit query int false "Maximum events" default(100)
// @Success 200 {object} shared.Response{data=[]model.BlockEvent}
// @Router /admin/block-bots/events [get]
func (h *AdminHandler) RecentEvents(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	events, err := h.adminSvc.RecentEvents(c.UserContext(), c.Query("name"), limit)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Events retrieved successfully", events)
}
