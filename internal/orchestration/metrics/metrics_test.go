package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
)

func TestMetrics_Confirmations(t *testing.T) {
	m := New()

	m.ConfirmationApplied("create")
	m.ConfirmationApplied("create")
	m.ConfirmationRejected("increment", "address_mismatch")

	require.Equal(t, 2.0, testutil.ToFloat64(m.confirmations.WithLabelValues("create", OutcomeApplied, "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.confirmations.WithLabelValues("increment", OutcomeRejected, "address_mismatch")))
}

func TestMetrics_Gauges(t *testing.T) {
	depth := 3.0
	m := New()
	m.WatchQueueDepth(func() float64 { return depth })
	m.WatchQueueDepth(func() float64 { return -1 })

	m.SetPending("reset", 4)
	m.SetPending("reset", 1)
	m.SetChildren(7)

	require.Equal(t, 1.0, testutil.ToFloat64(m.pending.WithLabelValues("reset")))
	require.Equal(t, 7.0, testutil.ToFloat64(m.children))
	require.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.CommandProcessed("create_child", true, time.Millisecond)
		m.ConfirmationApplied("create")
		m.ConfirmationRejected("create", "unknown_tag")
		m.SetPending("create", 1)
		m.SetChildren(1)
		m.WatchQueueDepth(func() float64 { return 0 })
	})
	require.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetChildren(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(string(body), "countermgr_registry_children 2"))
}

func TestMiddleware_RecordsResult(t *testing.T) {
	m := New()
	mw := NewMiddleware(m)

	ok := mw(processor.HandlerFunc(func(context.Context, command.Command) (*command.CommandResult, error) {
		return &command.CommandResult{Success: true}, nil
	}))
	failing := mw(processor.HandlerFunc(func(context.Context, command.Command) (*command.CommandResult, error) {
		return nil, errors.New("boom")
	}))

	cmd := command.NewCreateChildCommand(command.SourceAPI)
	_, _ = ok.Handle(context.Background(), cmd)
	_, _ = ok.Handle(context.Background(), cmd)
	_, _ = failing.Handle(context.Background(), cmd)

	require.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("create_child", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("create_child", "failure")))
}
