package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of a one-shot refresh.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // portal login in progress
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the refresh TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Login in progress
	attempt   string
	deadline  time.Time
	remaining time.Duration

	// Success / error display
	tokenPreview string
	tenant       string
	expiresIn    time.Duration
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateRefreshing {
			return m, nil
		}
		m.remaining = max(m.deadline.Sub(time.Time(msg)), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── refresh flow messages ────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgStoredToken:
		if msg.Valid {
			m.addStatus(statusOK, fmt.Sprintf("Stored token for %s valid for %s",
				msg.Tenant, formatDuration(msg.ExpiresIn)))
		} else {
			m.addStatus(statusWarn, fmt.Sprintf("Stored token for %s expires in %s",
				msg.Tenant, formatDuration(msg.ExpiresIn)))
		}
		return m, nil

	case MsgNoStoredToken:
		m.addStatus(statusInfo, "No stored token")
		return m, nil

	case MsgStoredTokenUnusable:
		m.addStatus(statusWarn, fmt.Sprintf("Stored token unusable: %v", msg.Err))
		return m, nil

	case MsgRefreshStarted:
		m.state = stateRefreshing
		m.attempt = msg.Attempt
		m.deadline = msg.Deadline
		m.remaining = time.Until(msg.Deadline)
		m.addStatus(statusInfo, "Logging in to portal...")
		return m, tickAfterSecond()

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed for tenant "+msg.Tenant)
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Token saved to "+msg.Path)
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tenant = msg.Tenant
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Portal Token Keeper  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in to portal...  ")
		if m.remaining > 0 {
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " until timeout"))
		}
		b.WriteString("\n")
		if m.attempt != "" {
			b.WriteString(styleDim.Render("attempt " + m.attempt))
			b.WriteString("\n")
		}

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Checking stored token...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Token ready"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Token:      "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("Tenant:     "))
	b.WriteString(m.tenant + "\n")

	b.WriteString(styleBold.Render("Expires In: "))
	b.WriteString(formatDuration(m.expiresIn) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Refresh failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
