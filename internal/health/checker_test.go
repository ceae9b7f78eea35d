package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kzinmr/askrelay/internal/testutil"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestChecker_AllHealthy(t *testing.T) {
	upstream := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := New(Config{Probes: []Probe{
		DatabaseProbe("ledger_db", pingerFunc(func(context.Context) error { return nil })),
		HTTPProbe("openai_api", upstream.URL, upstream.Client()),
	}})
	got := c.Check(context.Background())
	if got.Status != StatusHealthy || len(got.Components) != 2 {
		t.Fatalf("status = %+v", got)
	}
	if got.HTTPStatus() != http.StatusOK {
		t.Fatalf("http status = %d", got.HTTPStatus())
	}
	if c.LastStatus().Status != StatusHealthy {
		t.Fatal("LastStatus must reflect the last check")
	}
}

func TestChecker_NonCriticalFailureDegrades(t *testing.T) {
	c := New(Config{Probes: []Probe{
		DatabaseProbe("ledger_db", pingerFunc(func(context.Context) error { return nil })),
		{Name: "openai_api", Type: "http", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
	}})
	got := c.Check(context.Background())
	if got.Status != StatusDegraded || got.HTTPStatus() != http.StatusOK {
		t.Fatalf("status = %+v", got)
	}
	if got.Components[1].Error == "" {
		t.Fatal("failed component must carry its error")
	}
}

func TestChecker_CriticalFailureIsUnhealthy(t *testing.T) {
	c := New(Config{Probes: []Probe{
		DatabaseProbe("ledger_db", pingerFunc(func(context.Context) error { return errors.New("database is locked") })),
	}})
	got := c.Check(context.Background())
	if got.Status != StatusUnhealthy || got.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("status = %+v", got)
	}
}

func TestChecker_TimeoutAndLatency(t *testing.T) {
	slow := Probe{
		Name:      "slow",
		SlowAfter: time.Millisecond,
		Check: func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	hung := Probe{
		Name:     "hung",
		Critical: true,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c := New(Config{Probes: []Probe{slow, hung}, Timeout: 20 * time.Millisecond})
	got := c.Check(context.Background())
	if got.Components[0].Status != StatusDegraded {
		t.Fatalf("slow probe = %+v", got.Components[0])
	}
	if got.Components[1].Status != StatusUnhealthy {
		t.Fatalf("hung probe = %+v", got.Components[1])
	}
}

func TestChecker_NoProbes(t *testing.T) {
	if got := New(Config{}).Check(context.Background()); got.Status != StatusHealthy {
		t.Fatalf("status = %v", got.Status)
	}
}
