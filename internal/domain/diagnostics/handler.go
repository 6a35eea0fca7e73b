package diagnostics

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/auth"
	"github.com/ehr/orderflow/internal/platform/validation"
	"github.com/ehr/orderflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

var (
	clinicalRoles = []string{
		string(RoleClinician), string(RoleNurse), string(RolePhlebotomist), string(RoleLabTech),
		string(RoleRadiographer), string(RolePathologist), string(RoleRadiologist),
	}
	escalationRoles = []string{
		string(RoleClinician), string(RoleNurse), string(RoleLabTech),
		string(RolePathologist), string(RoleRadiologist),
	}
)

// ClinicalRoles lists the roles admitted to the order API.
func ClinicalRoles() []string {
	return append([]string(nil), clinicalRoles...)
}

// RegisterRoutes mounts the order and escalation endpoints. Transition level
// authority is enforced by the service; the route groups only keep unknown
// roles out.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(clinicalRoles...))
	clinical.GET("/orders", h.ListOrders)
	clinical.GET("/orders/:id", h.GetOrder)
	clinical.GET("/orders/:id/audit", h.GetAuditTrail)
	clinical.GET("/orders/:id/hl7", h.ExportHL7)
	clinical.POST("/orders/:id/transitions", h.RequestTransition)
	clinical.POST("/orders/:id/sample", h.CollectSample)
	clinical.POST("/orders/:id/custody", h.AppendCustody)
	clinical.POST("/orders/:id/begin", h.BeginProcessing)
	clinical.POST("/orders/:id/result", h.SubmitResult)
	clinical.POST("/orders/:id/decision", h.Decide)
	clinical.POST("/orders/:id/cancel", h.Cancel)
	clinical.POST("/orders/:id/notes", h.AddNote)

	ordering := api.Group("", auth.RequireRole(string(RoleClinician)))
	ordering.POST("/orders", h.PlaceOrder)

	esc := api.Group("", auth.RequireRole(escalationRoles...))
	esc.POST("/orders/:id/escalate", h.Escalate)
	esc.GET("/escalations", h.ListEscalations)
	esc.GET("/escalations/:id", h.GetEscalation)
	esc.POST("/escalations/:id/acknowledge", h.Acknowledge)
}

// -- Orders --

func (h *Handler) PlaceOrder(c echo.Context) error {
	var in PlaceOrderInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	o, err := h.svc.PlaceOrder(c.Request().Context(), &in, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := OrderFilter{
		State:      OrderState(c.QueryParam("state")),
		Kind:       OrderKind(c.QueryParam("kind")),
		PatientRef: c.QueryParam("patient"),
	}
	if v := c.QueryParam("critical"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return problem(http.StatusBadRequest, KindInvalidPayload, "critical must be a boolean")
		}
		filter.Critical = &b
	}
	items, total, err := h.svc.ListOrders(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	trail, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, trail)
}

// MIMEHL7 is the media type of an exported HL7 v2 message.
const MIMEHL7 = "application/hl7-v2"

func (h *Handler) ExportHL7(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	msg, err := h.svc.HL7Message(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.Blob(http.StatusOK, MIMEHL7, msg)
}

// -- Transitions --

type transitionRequest struct {
	Transition string          `json:"transition" validate:"required"`
	Payload    json.RawMessage `json:"payload"`
}

// RequestTransition is the generic entry point: the payload is decoded into
// the input type the named transition expects.
func (h *Handler) RequestTransition(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	t, err := ParseTransition(req.Transition)
	if err != nil {
		return lifecycleError(c, err)
	}
	payload, err := decodePayload(c, t, req.Payload)
	if err != nil {
		return err
	}
	o, err := h.svc.RequestTransition(c.Request().Context(), id, t, actorFrom(c), payload)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func decodePayload(c echo.Context, t Transition, raw json.RawMessage) (interface{}, error) {
	var payload interface{}
	switch t {
	case TransitionCollectSample:
		payload = &SampleInput{}
	case TransitionSubmitResult:
		payload = &ResultInput{}
	case TransitionApprove, TransitionReject:
		payload = &DecisionInput{}
	case TransitionCancel:
		payload = &CancelInput{}
	default:
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		if t == TransitionCancel {
			return payload, nil
		}
		return nil, problem(http.StatusBadRequest, KindInvalidPayload, string(t)+" requires a payload")
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, problem(http.StatusBadRequest, KindInvalidPayload, "malformed payload: "+err.Error())
	}
	if err := validate(c, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var in SampleInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	s, err := h.svc.CollectSample(c.Request().Context(), id, &in, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) AppendCustody(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var in CustodyInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	s, err := h.svc.AppendCustody(c.Request().Context(), id, &in, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) BeginProcessing(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.BeginProcessing(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var in ResultInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	r, err := h.svc.SubmitResult(c.Request().Context(), id, &in, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

type decisionRequest struct {
	Decision Decision `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comments string   `json:"comments" validate:"max=2000"`
}

func (h *Handler) Decide(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.Decide(c.Request().Context(), id, req.Decision, actorFrom(c), req.Comments)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var in CancelInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	o, err := h.svc.Cancel(c.Request().Context(), id, actorFrom(c), in.Reason)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

type noteRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	e, err := h.svc.AddNote(c.Request().Context(), id, actorFrom(c), req.Note)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

// -- Escalations --

func (h *Handler) Escalate(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Escalate(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListEscalations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.OpenTickets(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEscalation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return problem(http.StatusBadRequest, KindInvalidPayload, "invalid escalation id")
	}
	t, err := h.svc.GetTicket(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return problem(http.StatusBadRequest, KindInvalidPayload, "invalid escalation id")
	}
	t, err := h.svc.Acknowledge(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return lifecycleError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- helpers --

func actorFrom(c echo.Context) Actor {
	p := auth.PrincipalFromContext(c.Request().Context())
	return Actor{ID: p.ID, Role: Role(p.Role)}
}

func orderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, problem(http.StatusBadRequest, KindInvalidPayload, "invalid order id")
	}
	return id, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return problem(http.StatusBadRequest, KindInvalidPayload, "malformed request body")
	}
	return validate(c, v)
}

func validate(c echo.Context, v interface{}) error {
	err := c.Validate(v)
	if err == nil {
		return nil
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":  KindInvalidPayload,
			"detail": verr.Error(),
			"fields": verr.Fields,
		})
	}
	return err
}

func problem(status int, kind ErrorKind, detail string) *echo.HTTPError {
	return echo.NewHTTPError(status, map[string]interface{}{"error": kind, "detail": detail})
}

// StatusOf maps a lifecycle error kind to its HTTP status.
func StatusOf(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidPayload:
		return http.StatusBadRequest
	case KindIncompleteCriticalReport:
		return http.StatusUnprocessableEntity
	case KindActorNotPermitted, KindSelfApprovalForbidden:
		return http.StatusForbidden
	case KindInvalidTransition, KindStaleTransition, KindConcurrentModification,
		KindBarcodeConflict, KindAlreadyAcknowledged:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func lifecycleError(c echo.Context, err error) error {
	kind := KindOf(err)
	if kind == "" {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("path", c.Path()).Msg("unexpected service error")
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
			"error":  "Internal",
			"detail": "internal error",
		}).SetInternal(err)
	}
	return problem(StatusOf(kind), kind, err.Error())
}
