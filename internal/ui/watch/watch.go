// Package watch implements the live dashboard behind `countermgr watch`.
// It polls the daemon's registry view, shows it as a table and lets the
// user send create, increment and reset requests for the selected child.
package watch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/countermgr/internal/keys"
	"github.com/zjrosen/countermgr/internal/orchestration/api"
	"github.com/zjrosen/countermgr/internal/ui/styles"
)

// DefaultInterval is how often the dashboard polls the daemon.
const DefaultInterval = time.Second

// requestTimeout bounds every call the dashboard makes.
const requestTimeout = 5 * time.Second

// Client is the subset of api.Client the dashboard uses.
type Client interface {
	List(ctx context.Context) (api.ListChildrenResponse, error)
	Health(ctx context.Context) (api.HealthResponse, error)
	CreateChild(ctx context.Context) (api.AcceptedResponse, error)
	Increment(ctx context.Context, address string) (api.AcceptedResponse, error)
	Reset(ctx context.Context, address string, count int32) (api.AcceptedResponse, error)
}

var _ Client = (*api.Client)(nil)

// snapshotMsg carries one poll result.
type snapshotMsg struct {
	children api.ListChildrenResponse
	health   api.HealthResponse
	err      error
	at       time.Time
}

// tickMsg triggers the next poll.
type tickMsg struct{}

// requestMsg reports the outcome of a user request.
type requestMsg struct {
	verb    string
	address string
	id      string
	err     error
}

// Model is the dashboard state.
type Model struct {
	client   Client
	interval time.Duration
	keys     keys.WatchKeyMap
	table    table.Model
	help     help.Model

	health    api.HealthResponse
	total     int
	lastPoll  time.Time
	pollErr   error
	status    string
	statusErr bool

	width  int
	height int
}

// New creates a dashboard polling client every interval.
func New(client Client, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.BorderDefaultColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(styles.SelectionFgColor).
		Background(styles.SelectionBgColor).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client:   client,
		interval: interval,
		keys:     keys.DefaultWatchKeyMap(),
		table:    t,
		help:     help.New(),
	}
}

func columns(width int) []table.Column {
	// # | address | count
	addrWidth := width - 6 - 14 - 8
	if addrWidth < 12 {
		addrWidth = 12
	}
	return []table.Column{
		{Title: "#", Width: 6},
		{Title: "Address", Width: addrWidth},
		{Title: "Count", Width: 14},
	}
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return m.poll()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.table.SetColumns(columns(msg.Width - 2))
		// title, status bar, help and the panel border
		m.table.SetHeight(max(3, msg.Height-8))
		return m, nil

	case tickMsg:
		return m, m.poll()

	case snapshotMsg:
		m.lastPoll = msg.at
		m.pollErr = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.total = msg.children.Total
			m.table.SetRows(rowsOf(msg.children))
		}
		return m, m.scheduleTick()

	case requestMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", label(msg.verb, msg.address), msg.err)
			m.statusErr = true
			return m, nil
		}
		m.status = fmt.Sprintf("%s sent (%s)", label(msg.verb, msg.address), shortID(msg.id))
		m.statusErr = false
		return m, m.poll()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.poll()
		case key.Matches(msg, m.keys.Create):
			return m, m.request("create", "", func(ctx context.Context) (api.AcceptedResponse, error) {
				return m.client.CreateChild(ctx)
			})
		case key.Matches(msg, m.keys.Increment):
			addr, ok := m.selected()
			if !ok {
				return m, nil
			}
			return m, m.request("increment", addr, func(ctx context.Context) (api.AcceptedResponse, error) {
				return m.client.Increment(ctx, addr)
			})
		case key.Matches(msg, m.keys.Reset):
			addr, ok := m.selected()
			if !ok {
				return m, nil
			}
			return m, m.request("reset", addr, func(ctx context.Context) (api.AcceptedResponse, error) {
				return m.client.Reset(ctx, addr, 0)
			})
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styles.TitleStyle.Render("countermgr"))
	b.WriteString(" ")
	b.WriteString(m.summary())
	b.WriteString("\n")

	b.WriteString(styles.PanelStyle.Render(m.table.View()))
	b.WriteString("\n")

	switch {
	case m.status != "" && m.statusErr:
		b.WriteString(styles.StatusBarStyle.Render(styles.ErrorStyle.Render(m.status)))
	case m.status != "":
		b.WriteString(styles.StatusBarStyle.Render(styles.SuccessStyle.Render(m.status)))
	default:
		b.WriteString(styles.StatusBarStyle.Render(styles.MutedStyle.Render("ready")))
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) summary() string {
	if m.pollErr != nil {
		return styles.ErrorStyle.Render("daemon unreachable: " + m.pollErr.Error())
	}
	if m.lastPoll.IsZero() {
		return styles.MutedStyle.Render("connecting...")
	}

	state := styles.SuccessStyle.Render(m.health.Coordinator)
	if m.health.Status != "ok" {
		state = styles.WarningStyle.Render(m.health.Coordinator)
	}
	pending := 0
	for _, n := range m.health.Pending {
		pending += n
	}
	return fmt.Sprintf("%s  %s  %s  %s",
		state,
		styles.MutedStyle.Render(fmt.Sprintf("children %d", m.total)),
		styles.MutedStyle.Render(fmt.Sprintf("pending %d", pending)),
		styles.MutedStyle.Render(fmt.Sprintf("failures %d", m.health.Failures)),
	)
}

func (m Model) selected() (string, bool) {
	row := m.table.SelectedRow()
	if len(row) < 2 {
		return "", false
	}
	return row[1], true
}

func (m Model) poll() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		children, err := client.List(ctx)
		if err != nil {
			return snapshotMsg{err: err, at: time.Now()}
		}
		health, err := client.Health(ctx)
		return snapshotMsg{children: children, health: health, err: err, at: time.Now()}
	}
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m Model) request(verb, address string, fn func(context.Context) (api.AcceptedResponse, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := fn(ctx)
		return requestMsg{verb: verb, address: address, id: resp.CommandID, err: err}
	}
}

func rowsOf(resp api.ListChildrenResponse) []table.Row {
	rows := make([]table.Row, 0, len(resp.Contracts))
	for i, c := range resp.Contracts {
		rows = append(rows, table.Row{
			strconv.Itoa(i + 1),
			c.State.Address,
			strconv.FormatInt(int64(c.State.Count), 10),
		})
	}
	return rows
}

func label(verb, address string) string {
	if address == "" {
		return verb
	}
	return verb + " " + address
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
