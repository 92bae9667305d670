package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/stoblyx/ranking/anomaly"
	"github.com/stoblyx/ranking/countstore"
	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/stats"

	"github.com/labstack/echo/v4"
)

type AdjustScoreRequest struct {
	Delta   int64  `json:"delta"`
	AdminID int64  `json:"adminId"`
	Reason  string `json:"reason"`
}

func (srv *Server) handleAdminAdjustScore(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	var req AdjustScoreRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	snap, err := srv.moderation.AdjustScore(ctx, userID, req.Delta, req.AdminID, req.Reason)
	if err != nil {
		return err
	}
	moderationActions.WithLabelValues("adjust").Inc()
	return c.JSON(200, snap)
}

type SuspendRequest struct {
	AdminID int64  `json:"adminId"`
	Reason  string `json:"reason"`
}

func (srv *Server) handleAdminSuspendUser(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	var req SuspendRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	snap, err := srv.moderation.Suspend(ctx, userID, req.AdminID, req.Reason)
	if err != nil {
		return err
	}
	moderationActions.WithLabelValues("suspend").Inc()
	return c.JSON(200, snap)
}

func (srv *Server) handleAdminUnsuspendUser(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	var req SuspendRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	snap, err := srv.moderation.Unsuspend(ctx, userID, req.AdminID)
	if err != nil {
		return err
	}
	moderationActions.WithLabelValues("unsuspend").Inc()
	return c.JSON(200, snap)
}

type ReportRequest struct {
	ReporterID int64 `json:"reporterId"`
}

func (srv *Server) handleAdminReportUser(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	var req ReportRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	snap, err := srv.moderation.ReportUser(ctx, userID, req.ReporterID)
	if err != nil {
		return err
	}
	moderationActions.WithLabelValues("report").Inc()
	return c.JSON(200, snap)
}

func (srv *Server) handleAdminListSuspended(c echo.Context) error {
	out, err := srv.ledger.GetSuspendedUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

type DecayRequest struct {
	AdminID int64 `json:"adminId"`
}

func (srv *Server) handleAdminDecayInactive(c echo.Context) error {
	ctx := c.Request().Context()

	var req DecayRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}

	decayed, err := srv.moderation.DecayInactiveScores(ctx, req.AdminID)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]int{"decayed": decayed})
}

func (srv *Server) handleAdminAbnormalPatterns(c echo.Context) error {
	ctx := c.Request().Context()

	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	threshold, err := parseInt64Param(c, "threshold", 50)
	if err != nil {
		return err
	}

	out, err := srv.detector.FindAbnormalActivityPatterns(ctx, start, end, threshold)
	if err != nil {
		return err
	}
	anomalyScans.WithLabelValues("patterns").Inc()
	return c.JSON(200, out)
}

func (srv *Server) handleAdminActivitiesByIP(c echo.Context) error {
	ctx := c.Request().Context()

	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	out, err := srv.detector.FindActivitiesByIP(ctx, c.QueryParam("ip"), start, end)
	if err != nil {
		return err
	}
	anomalyScans.WithLabelValues("by_ip").Inc()
	return c.JSON(200, out)
}

func (srv *Server) handleAdminSuspiciousUsers(c echo.Context) error {
	ctx := c.Request().Context()

	threshold, err := parseInt64Param(c, "threshold", anomaly.DefaultScoreGainThreshold)
	if err != nil {
		return err
	}
	out, err := srv.detector.FindUsersWithSuspiciousActivity(ctx, threshold)
	if err != nil {
		return err
	}
	anomalyScans.WithLabelValues("suspicious").Inc()
	return c.JSON(200, out)
}

func (srv *Server) handleAdminLatchSuspicious(c echo.Context) error {
	flagged, err := srv.detector.LatchSuspicious(c.Request().Context())
	if err != nil {
		return err
	}
	suspiciousLatched.Add(float64(flagged))
	return c.JSON(200, map[string]int{"flagged": flagged})
}

func (srv *Server) handleAdminUserCounters(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	gain, err := srv.detector.DayScoreGain(ctx, userID)
	if err != nil {
		return err
	}
	count, err := srv.detector.DayActivityCount(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]int64{
		"dayScoreGain":     gain,
		"dayActivityCount": count,
	})
}

func (srv *Server) handleAdminDistinctUsersForIP(c echo.Context) error {
	ctx := c.Request().Context()

	period := c.QueryParam("period")
	if period == "" {
		period = countstore.PeriodDay
	}
	users, err := srv.detector.DistinctUsersForIP(ctx, c.Param("ip"), period)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]int{"distinctUsers": users})
}

func (srv *Server) handleAdminRankingStatistics(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	out, err := srv.stats.RankingStatistics(c.Request().Context(), start, end)
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func (srv *Server) handleAdminActivityBreakdown(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	out, err := srv.stats.ActivityBreakdown(c.Request().Context(), start, end, parsePeriod(c))
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func (srv *Server) handleAdminUserActivityBreakdown(c echo.Context) error {
	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	out, err := srv.stats.UserActivityBreakdown(c.Request().Context(), userID, start, end, parsePeriod(c))
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func (srv *Server) handleAdminHourlyHistogram(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return err
	}
	out, err := srv.stats.HourlyHistogram(c.Request().Context(), start, end)
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

func (srv *Server) handleAdminListSettings(c echo.Context) error {
	out, err := srv.settings.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(200, out)
}

type UpdateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (srv *Server) handleAdminUpdateSetting(c echo.Context) error {
	var req UpdateSettingRequest
	if err := c.Bind(&req); err != nil {
		return ledger.NewValidationError("body", "malformed request body")
	}
	if err := srv.moderation.UpdateSetting(c.Request().Context(), req.Key, req.Value); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// parseWindow reads RFC 3339 start/end query params. End defaults to now,
// start to 24 hours before end.
func parseWindow(c echo.Context) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if raw := c.QueryParam("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, ledger.NewValidationError("endDate", "must be RFC 3339")
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if raw := c.QueryParam("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, ledger.NewValidationError("startDate", "must be RFC 3339")
		}
		start = t
	}
	return start, end, nil
}

func parseInt64Param(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ledger.NewValidationError(name, "must be an integer")
	}
	return v, nil
}

func parsePeriod(c echo.Context) stats.Period {
	if raw := c.QueryParam("period"); raw != "" {
		return stats.Period(raw)
	}
	return stats.PeriodDaily
}
