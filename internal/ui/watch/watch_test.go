package watch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/orchestration/api"
)

type fakeClient struct {
	mu         sync.Mutex
	children   []api.ChildResponse
	listErr    error
	requestErr error
	calls      []string
}

func (f *fakeClient) List(context.Context) (api.ListChildrenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return api.ListChildrenResponse{}, f.listErr
	}
	return api.ListChildrenResponse{Contracts: append([]api.ChildResponse(nil), f.children...), Total: len(f.children)}, nil
}

func (f *fakeClient) Health(context.Context) (api.HealthResponse, error) {
	return api.HealthResponse{
		Status:      "ok",
		Coordinator: "running",
		Pending:     map[string]int{"create": 1, "increment": 2},
	}, nil
}

func (f *fakeClient) record(call string) (api.AcceptedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.requestErr != nil {
		return api.AcceptedResponse{}, f.requestErr
	}
	return api.AcceptedResponse{Status: "accepted", CommandID: "0123456789abcdef"}, nil
}

func (f *fakeClient) CreateChild(context.Context) (api.AcceptedResponse, error) {
	return f.record("create")
}

func (f *fakeClient) Increment(_ context.Context, address string) (api.AcceptedResponse, error) {
	return f.record("increment " + address)
}

func (f *fakeClient) Reset(_ context.Context, address string, count int32) (api.AcceptedResponse, error) {
	if count != 0 {
		return f.record("reset " + address + " nonzero")
	}
	return f.record("reset " + address)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func twoChildren() []api.ChildResponse {
	return []api.ChildResponse{
		{Key: "contract1", State: api.ChildState{Address: "contract1", Count: 3}},
		{Key: "contract2", State: api.ChildState{Address: "contract2", Count: -1}},
	}
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

// loaded returns a model that has processed one poll.
func loaded(t *testing.T, client *fakeClient) Model {
	t.Helper()
	m := New(client, time.Hour)
	msg := m.Init()()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModel_InitialView(t *testing.T) {
	m := New(&fakeClient{}, 0)
	assert.Equal(t, DefaultInterval, m.interval)
	assert.Contains(t, m.View(), "connecting...")
}

func TestModel_PollPopulatesTable(t *testing.T) {
	m := loaded(t, &fakeClient{children: twoChildren()})

	view := m.View()
	assert.Contains(t, view, "contract1")
	assert.Contains(t, view, "contract2")
	assert.Contains(t, view, "-1")
	assert.Contains(t, view, "children 2")
	assert.Contains(t, view, "pending 3")
	assert.Contains(t, view, "running")
}

func TestModel_PollError(t *testing.T) {
	m := loaded(t, &fakeClient{listErr: errors.New("connection refused")})

	assert.Contains(t, m.View(), "daemon unreachable: connection refused")
}

func TestModel_Create(t *testing.T) {
	client := &fakeClient{}
	m := loaded(t, client)

	_, cmd := m.Update(runeKey('n'))
	require.NotNil(t, cmd)
	msg := cmd()
	require.Equal(t, []string{"create"}, client.Calls())

	next, _ := m.Update(msg)
	assert.Contains(t, next.(Model).View(), "create sent (01234567)")
}

func TestModel_IncrementSelected(t *testing.T) {
	client := &fakeClient{children: twoChildren()}
	m := loaded(t, client)

	next, _ := m.Update(runeKey('j'))
	m = next.(Model)

	_, cmd := m.Update(runeKey('+'))
	require.NotNil(t, cmd)
	_ = cmd()
	require.Equal(t, []string{"increment contract2"}, client.Calls())
}

func TestModel_ResetSelected(t *testing.T) {
	client := &fakeClient{children: twoChildren()}
	m := loaded(t, client)

	_, cmd := m.Update(runeKey('0'))
	require.NotNil(t, cmd)
	_ = cmd()
	require.Equal(t, []string{"reset contract1"}, client.Calls())
}

func TestModel_IncrementWithoutChildren(t *testing.T) {
	client := &fakeClient{}
	m := loaded(t, client)

	_, cmd := m.Update(runeKey('+'))
	assert.Nil(t, cmd)
	assert.Empty(t, client.Calls())
}

func TestModel_RequestError(t *testing.T) {
	client := &fakeClient{children: twoChildren(), requestErr: errors.New("Child not found (404 not_found)")}
	m := loaded(t, client)

	_, cmd := m.Update(runeKey('i'))
	next, _ := m.Update(cmd())
	assert.Contains(t, next.(Model).View(), "increment contract1 failed: Child not found")
}

func TestModel_Quit(t *testing.T) {
	m := loaded(t, &fakeClient{})

	_, cmd := m.Update(runeKey('q'))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_HelpToggle(t *testing.T) {
	m := loaded(t, &fakeClient{})
	assert.NotContains(t, m.View(), "reset to 0")

	next, _ := m.Update(runeKey('?'))
	assert.Contains(t, next.(Model).View(), "reset to 0")
}

func TestModel_WindowSize(t *testing.T) {
	m := loaded(t, &fakeClient{children: twoChildren()})

	next, cmd := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Nil(t, cmd)
	m = next.(Model)
	assert.Equal(t, 120, m.width)
	assert.Greater(t, m.table.Height(), 20, "table grows with the terminal")
}

func TestRowsOf(t *testing.T) {
	rows := rowsOf(api.ListChildrenResponse{Contracts: twoChildren(), Total: 2})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "contract1", "3"}, []string(rows[0]))
	assert.Equal(t, []string{"2", "contract2", "-1"}, []string(rows[1]))
}

func TestModel_Program(t *testing.T) {
	client := &fakeClient{children: twoChildren()}
	tm := teatest.NewTestModel(t, New(client, 10*time.Millisecond), teatest.WithInitialTermSize(100, 30))

	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("contract2"))
	}, teatest.WithDuration(3*time.Second))

	tm.Send(runeKey('n'))
	require.Eventually(t, func() bool {
		calls := client.Calls()
		return len(calls) == 1 && calls[0] == "create"
	}, 3*time.Second, 10*time.Millisecond)

	tm.Send(runeKey('q'))
	final := tm.FinalModel(t, teatest.WithFinalTimeout(3*time.Second))
	_, ok := final.(Model)
	require.True(t, ok)
}
