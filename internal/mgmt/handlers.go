package mgmt

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/dayplan"
	"github.com/companionkit/engage/internal/engage"
	"github.com/companionkit/engage/internal/escalation"
	"github.com/companionkit/engage/internal/health"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/users"
)

// ProblemDetail is an RFC 7807 style error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, typ, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     typ,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// StatusSource exposes the read-only engine state the /status endpoint
// reports. Engine and Planner may be nil.
type StatusSource struct {
	Tracker  *users.Tracker
	Machine  *escalation.Machine
	Registry *tasks.Registry
	Engine   *engage.Engine
	Planner  *dayplan.Planner
}

// Handlers holds the diagnostic API handlers.
type Handlers struct {
	source  StatusSource
	checker *health.Checker
	logger  zerolog.Logger
}

// NewHandlers creates handlers over the given state source.
func NewHandlers(source StatusSource, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		source:  source,
		checker: checker,
		logger:  logger.With().Str("component", "mgmt_handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	ready := true
	for _, s := range results {
		if s == health.StatusDown {
			ready = false
			break
		}
	}
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
}

type statusUser struct {
	ConversationID string `json:"conversation_id"`
	LastActiveAt   string `json:"last_active_at"`
	Escalation     int    `json:"escalation_count"`
}

// Status handles GET /api/v1/status: a read-only snapshot of the engine.
func (h *Handlers) Status(c *fiber.Ctx) error {
	tracked := h.source.Tracker.Snapshot()
	counts, _ := h.source.Machine.Export()

	userView := make(map[string]statusUser, len(tracked))
	for id, rec := range tracked {
		userView[id] = statusUser{
			ConversationID: rec.ConversationID,
			LastActiveAt:   rec.LastActiveAt.Format("2006-01-02T15:04:05Z07:00"),
			Escalation:     counts[id],
		}
	}

	resp := fiber.Map{
		"tracked_users": userView,
		"escalation":    counts,
		"pending_tasks": h.source.Registry.Snapshot(),
	}
	// Engine and planner are absent in mgmt-only mode.
	if h.source.Engine != nil {
		resp["awaiting_reply"] = h.source.Engine.Awaiting()
	}
	if h.source.Planner != nil {
		resp["day_plan"] = h.source.Planner.Current()
	}
	return c.JSON(resp)
}
