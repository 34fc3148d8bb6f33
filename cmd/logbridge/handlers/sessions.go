package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opst/logbridge/pkg/bridge/registry"
	"github.com/opst/logbridge/pkg/bridge/session"
	"github.com/opst/logbridge/pkg/bridge/upstream"
)

type Sessions interface {
	Sessions() []registry.SessionInfo
}

type Upstreams interface {
	Status(workload string) upstream.Status
}

type Connections interface {
	Connections() []session.ConnInfo
}

// SessionView is a session in the listing.
type SessionView struct {
	Workload    string             `json:"workload"`
	Subscribers int                `json:"subscribers"`
	State       registry.State     `json:"state"`
	Upstream    upstream.Status    `json:"upstream"`
	Connections []session.ConnInfo `json:"connections"`
}

// GetSessionsHandler lists live sessions with their upstream status and connections.
func GetSessionsHandler(sessions Sessions, upstreams Upstreams, conns Connections) echo.HandlerFunc {
	return func(c echo.Context) error {
		byWorkload := map[string][]session.ConnInfo{}
		for _, ci := range conns.Connections() {
			byWorkload[ci.Workload] = append(byWorkload[ci.Workload], ci)
		}

		infos := sessions.Sessions()
		views := make([]SessionView, 0, len(infos))
		for _, s := range infos {
			cs := byWorkload[s.Workload]
			if cs == nil {
				cs = []session.ConnInfo{}
			}
			views = append(views, SessionView{
				Workload:    s.Workload,
				Subscribers: s.Subscribers,
				State:       s.State,
				Upstream:    upstreams.Status(s.Workload),
				Connections: cs,
			})
		}
		return c.JSON(http.StatusOK, views)
	}
}

func HealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
}
