// Package reporting evaluates predefined operational measures over the order
// store: workload by state, critical result volume, open escalations and
// approval outcomes. The SQL is kept portable across Postgres and SQLite.
package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/orderflow/internal/platform/auth"
)

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
}

var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "orders-by-state",
		Name:        "Orders by State",
		Description: "Number of orders in each lifecycle state, split by kind",
		SQL: `SELECT state, kind, COUNT(*) AS total FROM diagnostic_order
			GROUP BY state, kind ORDER BY state, kind`,
	},
	{
		ID:          "active-by-urgency",
		Name:        "Active Orders by Urgency",
		Description: "Orders not yet completed or cancelled, grouped by urgency",
		SQL: `SELECT urgency, COUNT(*) AS total FROM diagnostic_order
			WHERE state NOT IN ('COMPLETED', 'CANCELLED')
			GROUP BY urgency ORDER BY urgency`,
	},
	{
		ID:          "critical-results",
		Name:        "Critical Results",
		Description: "Orders that ever carried a critical result, by kind",
		SQL: `SELECT kind, COUNT(*) AS total FROM diagnostic_order
			WHERE is_critical GROUP BY kind ORDER BY kind`,
	},
	{
		ID:          "open-escalations",
		Name:        "Open Escalations",
		Description: "Unacknowledged critical-value escalations by urgency",
		SQL: `SELECT urgency, COUNT(*) AS total FROM escalation_ticket
			WHERE acknowledged_at IS NULL GROUP BY urgency ORDER BY urgency`,
	},
	{
		ID:          "approval-outcomes",
		Name:        "Approval Outcomes",
		Description: "Approvals and rejections per approving role",
		SQL: `SELECT actor_role, transition, COUNT(*) AS total FROM diagnostic_order_audit
			WHERE transition IN ('approve', 'reject')
			GROUP BY actor_role, transition ORDER BY actor_role, transition`,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Querier runs a read-only query and returns one map per row keyed by
// column name.
type Querier interface {
	Query(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// PoolQuerier runs measures on Postgres.
type PoolQuerier struct {
	Pool *pgxpool.Pool
}

func (q PoolQuerier) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := q.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// DBQuerier runs measures on a database/sql handle, such as the SQLite store.
type DBQuerier struct {
	DB *sql.DB
}

func (q DBQuerier) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := q.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Evaluate runs the measure named id.
func Evaluate(ctx context.Context, q Querier, id string, now time.Time) (*MeasureReport, error) {
	m := FindMeasure(id)
	if m == nil {
		return nil, fmt.Errorf("unknown measure %q", id)
	}
	results, err := q.Query(ctx, m.SQL)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", m.ID, err)
	}
	return &MeasureReport{
		MeasureID:   m.ID,
		MeasureName: m.Name,
		GeneratedAt: now,
		Results:     results,
	}, nil
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	q     Querier
	roles []string
}

// NewHandler serves measures to roles (admin is always admitted).
func NewHandler(q Querier, roles ...string) *Handler {
	return &Handler{q: q, roles: roles}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(h.roles...))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	id := c.Param("id")
	if FindMeasure(id) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	report, err := Evaluate(c.Request().Context(), h.q, id, time.Now().UTC())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, report)
}
