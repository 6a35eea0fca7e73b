package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orderflow/pkg/pagination"
)

// Handler exposes endpoint management and delivery logs for operators.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.HandleRegister)
	g.GET("/webhooks", h.HandleList)
	g.GET("/webhooks/:id", h.HandleGet)
	g.PUT("/webhooks/:id", h.HandleUpdate)
	g.DELETE("/webhooks/:id", h.HandleDelete)
	g.POST("/webhooks/:id/test", h.HandleTest)
	g.POST("/webhooks/:id/pause", h.HandlePause)
	g.POST("/webhooks/:id/resume", h.HandleResume)
	g.GET("/webhooks/:id/deliveries", h.HandleDeliveries)
	g.POST("/webhooks/deliveries/:id/retry", h.HandleRetry)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Topics []string `json:"topics"`
}

type updateRequest struct {
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
}

func notFound(err error) error {
	return echo.NewHTTPError(http.StatusNotFound, err.Error())
}

func (h *Handler) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.manager.Register(c.Request().Context(), req.URL, req.Secret, req.Topics)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) HandleList(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total, err := h.manager.Endpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, pg.Limit, pg.Offset))
}

func (h *Handler) HandleGet(c echo.Context) error {
	ep, err := h.manager.Endpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) HandleUpdate(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.manager.Endpoint(ctx, c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ep.URL = req.URL
	}
	if len(req.Topics) > 0 {
		ep.Topics = req.Topics
	}
	if err := h.manager.store.UpdateEndpoint(ctx, ep); err != nil {
		return notFound(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) HandleDelete(c echo.Context) error {
	if err := h.manager.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return notFound(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleTest(c echo.Context) error {
	d, err := h.manager.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) HandlePause(c echo.Context) error {
	if err := h.manager.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusPaused})
}

func (h *Handler) HandleResume(c echo.Context) error {
	if err := h.manager.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusActive})
}

func (h *Handler) HandleDeliveries(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.manager.Endpoint(ctx, c.Param("id")); err != nil {
		return notFound(err)
	}
	pg := pagination.FromContext(c)
	ds, total, err := h.manager.Deliveries(ctx, c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ds, total, pg.Limit, pg.Offset))
}

func (h *Handler) HandleRetry(c echo.Context) error {
	d, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrDeliveryNotFound) || errors.Is(err, ErrEndpointNotFound) {
		return notFound(err)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if d.Status != DeliverySuccess {
		return c.JSON(http.StatusBadGateway, d)
	}
	return c.JSON(http.StatusOK, d)
}
