package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type poolReport struct {
	Total       int32  `json:"total_conns"`
	Idle        int32  `json:"idle_conns"`
	Acquired    int32  `json:"acquired_conns"`
	Max         int32  `json:"max_conns"`
	Acquires    int64  `json:"acquire_count"`
	AcquireWait string `json:"acquire_duration"`
}

func reportPool(pool *pgxpool.Pool) poolReport {
	st := pool.Stat()
	return poolReport{
		Total:       st.TotalConns(),
		Idle:        st.IdleConns(),
		Acquired:    st.AcquiredConns(),
		Max:         st.MaxConns(),
		Acquires:    st.AcquireCount(),
		AcquireWait: st.AcquireDuration().String(),
	}
}

// HealthHandler answers 200 when the store answers a ping and 503 otherwise.
// A *pgxpool.Pool also reports its connection counters.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		status, body := http.StatusOK, echo.Map{"status": "healthy"}
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
		if pool, ok := p.(*pgxpool.Pool); ok {
			body["pool"] = reportPool(pool)
		}
		return c.JSON(status, body)
	}
}
