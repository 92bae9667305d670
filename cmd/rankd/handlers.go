package main

import (
	"net/http"
	"strconv"

	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/models"

	"github.com/labstack/echo/v4"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok"})
}

type RecordActivityRequest struct {
	UserID       int64  `json:"userId"`
	ActivityType string `json:"activityType"`
	ScoreDelta   int64  `json:"scoreDelta"`
	DedupeKey    string `json:"dedupeKey,omitempty"`
}

// HandleRecordActivity appends one activity event and returns the resulting
// user snapshot. Clients retrying a timed-out call should resend the same
// dedupeKey.
func (srv *Server) HandleRecordActivity(c echo.Context) error {
	ctx := c.Request().Context()

	var req RecordActivityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{
			Error:   "InvalidRequest",
			Message: "malformed request body",
		})
	}

	snap, err := srv.ledger.RecordActivity(ctx, req.UserID, models.ActivityType(req.ActivityType), req.ScoreDelta, c.RealIP(), req.DedupeKey)
	if err != nil {
		return err
	}

	activitiesRecorded.WithLabelValues(req.ActivityType).Inc()
	return c.JSON(200, snap)
}

func (srv *Server) HandleGetUserScore(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	snap, err := srv.ledger.GetUserScore(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(200, snap)
}

type SetScoreRequest struct {
	Score int64 `json:"score"`
}

// HandleSetUserScore replaces a user's score with an absolute value.
func (srv *Server) HandleSetUserScore(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	var req SetScoreRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	snap, err := srv.ledger.SetUserScore(ctx, userID, req.Score)
	if err != nil {
		return err
	}
	return c.JSON(200, snap)
}

func (srv *Server) HandleGetTopUsers(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.NewValidationError("limit", "must be an integer")
		}
		limit = n
	}
	out, err := srv.ledger.GetTopUsers(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func (srv *Server) HandleGetUsersByRank(c echo.Context) error {
	ctx := c.Request().Context()

	out, err := srv.ledger.GetUsersByRank(ctx, models.RankType(c.Param("rankType")))
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func parseUserID(raw string) (int64, error) {
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ledger.NewValidationError("userId", "must be an integer")
	}
	return userID, nil
}
