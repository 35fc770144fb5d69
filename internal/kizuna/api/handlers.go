package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/persona"
)

var errBadRequest = errors.New("bad request")

type createSessionRequest struct {
	CharacterID string `json:"character_id"`
	Title       string `json:"title"`
}

type turnRequest struct {
	Message string `json:"message"`
}

type memoryResponse struct {
	Query    string            `json:"query"`
	Recent   []memory.Turn     `json:"recent"`
	Relevant []memory.Fragment `json:"relevant"`
	Missing  []memory.Tier     `json:"missing_tiers,omitempty"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 {
		return badRequest("limit must be positive")
	}
	list, err := s.engine.Sessions(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"sessions": list})
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest("invalid request body")
		}
	}
	sess, err := s.engine.CreateSession(c.UserContext(), strings.TrimSpace(req.CharacterID), strings.TrimSpace(req.Title))
	if errors.Is(err, persona.ErrUnknownCharacter) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	sess, err := s.engine.Session(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

func (s *Server) handleTurn(c *fiber.Ctx) error {
	var req turnRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.TurnTimeout)
	defer cancel()

	res, err := s.engine.Turn(ctx, c.Params("id"), req.Message)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) handleSynthesize(c *fiber.Ctx) error {
	frag, err := s.engine.Synthesize(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if frag == nil {
		return c.JSON(fiber.Map{"synthesized": false})
	}
	return c.JSON(fiber.Map{"synthesized": true, "fragment": frag})
}

func (s *Server) handleMemory(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("q"))
	recall, err := s.engine.Recall(c.UserContext(), c.Params("id"), query)
	if err != nil && !errors.Is(err, memory.ErrTierUnavailable) {
		return err
	}
	return c.JSON(memoryResponse{
		Query:    query,
		Recent:   recall.Recent,
		Relevant: recall.Relevant,
		Missing:  recall.Missing,
	})
}

func (s *Server) handleExport(c *fiber.Ctx) error {
	if s.exporter == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "archive is not configured")
	}
	loc, err := s.exporter.Export(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"location": loc})
}
