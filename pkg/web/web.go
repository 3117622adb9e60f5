// Package web serves the JSON admin panel: series management, instance
// and attendance inspection, manual food assignment, health. No
// authentication; the listener is expected to stay private.
package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/materializer"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/recurrence"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/scheduler"
	"github.com/korjavin/gamenight/pkg/series"
	"github.com/korjavin/gamenight/pkg/stats"
	"github.com/korjavin/gamenight/pkg/storage"
)

// Server is the admin panel HTTP server.
type Server struct {
	app          *fiber.App
	store        *storage.Store
	series       *series.Service
	materializer *materializer.Service
	roster       *roster.Service
	rotation     *rotation.Service
	stats        *stats.Service
	scheduler    *scheduler.Service
	logger       *logger.Logger
}

// New creates the admin panel server and registers its routes.
func New(
	store *storage.Store,
	seriesService *series.Service,
	materializerService *materializer.Service,
	rosterService *roster.Service,
	rotationService *rotation.Service,
	statsService *stats.Service,
	schedulerService *scheduler.Service,
) *Server {
	s := &Server{
		app:          fiber.New(fiber.Config{DisableStartupMessage: true}),
		store:        store,
		series:       seriesService,
		materializer: materializerService,
		roster:       rosterService,
		rotation:     rotationService,
		stats:        statsService,
		scheduler:    schedulerService,
		logger:       logger.New("web"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api")
	api.Get("/series", s.listSeries)
	api.Post("/series", s.createSeries)
	api.Put("/series/:id", s.updateSeries)
	api.Delete("/series/:id", s.cancelSeries)
	api.Get("/series/:id/instances", s.listInstances)
	api.Get("/series/:id/food-history", s.foodHistory)
	api.Get("/series/:id/participants", s.listParticipants)
	api.Post("/series/:id/participants", s.addParticipant)
	api.Delete("/series/:id/participants/:pid", s.removeParticipant)
	api.Get("/instances/:id/attendance", s.attendance)
	api.Put("/instances/:id/food", s.overrideFood)
}

// Listen blocks serving the admin panel.
func (s *Server) Listen(addr string) error {
	s.logger.Info("Admin panel listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	watermark, err := s.scheduler.Watermark()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "no tick yet"})
	}
	return c.JSON(fiber.Map{"status": "ok", "last_tick": watermark})
}

// seriesRequest is the admin-facing series shape; reminder offsets are
// duration strings ("24h", "90m") rather than raw nanoseconds.
type seriesRequest struct {
	Name            string                `json:"name"`
	Rule            models.RecurrenceRule `json:"rule"`
	ReminderOffsets []string              `json:"reminder_offsets"`
	TrackAttendance bool                  `json:"track_attendance"`
	TrackFood       bool                  `json:"track_food"`
	Destination     string                `json:"destination"`
}

func (r *seriesRequest) toModel() (models.EventSeries, error) {
	def := models.EventSeries{
		Name:            r.Name,
		Rule:            r.Rule,
		TrackAttendance: r.TrackAttendance,
		TrackFood:       r.TrackFood,
		Destination:     r.Destination,
	}
	for _, raw := range r.ReminderOffsets {
		offset, err := time.ParseDuration(raw)
		if err != nil {
			return def, err
		}
		def.ReminderOffsets = append(def.ReminderOffsets, offset)
	}
	return def, nil
}

func (s *Server) listSeries(c *fiber.Ctx) error {
	all, err := s.series.List()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(all)
}

func (s *Server) createSeries(c *fiber.Ctx) error {
	var req seriesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	def, err := req.toModel()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	created, err := s.series.Create(def)
	if err != nil {
		return s.fail(c, err)
	}

	// Materialize eagerly so the first reminders exist before the next tick.
	if _, err := s.materializer.MaterializeSeries(created); err != nil {
		s.logger.Error("Failed to materialize new series %s: %v", created.ID, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) updateSeries(c *fiber.Ctx) error {
	var req seriesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	def, err := req.toModel()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	updated, err := s.series.Update(c.Params("id"), def)
	if err != nil {
		return s.fail(c, err)
	}
	if _, err := s.materializer.MaterializeSeries(updated); err != nil {
		s.logger.Error("Failed to materialize updated series %s: %v", updated.ID, err)
	}
	return c.JSON(updated)
}

func (s *Server) cancelSeries(c *fiber.Ctx) error {
	if err := s.series.Cancel(c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "series cancelled"})
}

func (s *Server) listInstances(c *fiber.Ctx) error {
	instances, err := s.materializer.InstancesForSeries(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(instances)
}

func (s *Server) foodHistory(c *fiber.Ctx) error {
	history, err := s.stats.FoodHistory(c.Params("id"), 0)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(history)
}

func (s *Server) listParticipants(c *fiber.Ctx) error {
	participants, err := s.roster.List(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(participants)
}

type participantRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BringsFood bool   `json:"brings_food"`
}

func (s *Server) addParticipant(c *fiber.Ctx) error {
	var req participantRequest
	if err := c.BodyParser(&req); err != nil || req.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	p, err := s.roster.Add(c.Params("id"), req.ID, req.Name, req.BringsFood)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) removeParticipant(c *fiber.Ctx) error {
	if err := s.roster.Remove(c.Params("id"), c.Params("pid")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "participant deactivated"})
}

func (s *Server) attendance(c *fiber.Ctx) error {
	instance, err := s.resolveInstance(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}

	summary, err := s.stats.Attendance(instance.SeriesID, instance.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(summary)
}

type overrideRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (s *Server) overrideFood(c *fiber.Ctx) error {
	var req overrideRequest
	if err := c.BodyParser(&req); err != nil || req.ParticipantID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	instance, err := s.resolveInstance(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}

	assignment, err := s.rotation.Override(instance.SeriesID, instance.ID, req.ParticipantID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(assignment)
}

func (s *Server) resolveInstance(instanceID string) (*models.EventInstance, error) {
	var instanceKey string
	if err := s.store.Get(storage.InstanceMappingKey(instanceID), &instanceKey); err != nil {
		return nil, err
	}
	var instance models.EventInstance
	if err := s.store.Get(instanceKey, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// fail maps service errors to HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, series.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, series.ErrValidation),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, rotation.ErrNotEligible):
		status = fiber.StatusBadRequest
	}

	if status == fiber.StatusInternalServerError {
		s.logger.Error("Admin request failed: %v", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
