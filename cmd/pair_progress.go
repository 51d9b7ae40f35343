package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/provision"
)

type pairEventMsg provision.Event

type pairDoneMsg struct {
	info device.EndpointInfo
	err  error
}

var phaseLabels = map[provision.Phase]string{
	provision.PhaseIdle:                        "Connecting over Bluetooth",
	provision.PhaseSendingCredentials:          "Sending WiFi settings and location",
	provision.PhaseAwaitingNetworkJoin:         "Waiting for the potato to join %s",
	provision.PhaseValidatingLocalReachability: "Looking for the potato on the local network",
	provision.PhaseFinalizing:                  "Finishing up",
	provision.PhaseSucceeded:                   "Done",
	provision.PhaseFailed:                      "Failed",
}

// pairModel renders pairing progress from controller events.
type pairModel struct {
	ssid    string
	cancel  context.CancelFunc
	spin    spinner.Model
	bar     progress.Model
	phase   provision.Phase
	pct     int
	warning error
	history []provision.Phase

	done bool
	info device.EndpointInfo
	err  error
}

func newPairModel(ssid string, cancel context.CancelFunc) pairModel {
	return pairModel{
		ssid:   ssid,
		cancel: cancel,
		spin:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m pairModel) Init() tea.Cmd { return m.spin.Tick }

func (m pairModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case pairEventMsg:
		e := provision.Event(msg)
		if e.Phase != m.phase {
			m.history = append(m.history, m.phase)
			m.phase = e.Phase
		}
		m.pct = e.Progress
		if e.Err != nil && e.Phase != provision.PhaseFailed {
			m.warning = e.Err
		}
		return m, nil
	case pairDoneMsg:
		m.done, m.info, m.err = true, msg.info, msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m pairModel) label(p provision.Phase) string {
	l := phaseLabels[p]
	if strings.Contains(l, "%s") {
		l = fmt.Sprintf(l, m.ssid)
	}
	return l
}

func (m pairModel) View() string {
	var b strings.Builder
	for _, p := range m.history {
		b.WriteString(okStyle.Render("✓ ") + faintStyle.Render(m.label(p)) + "\n")
	}
	switch {
	case m.done && m.err != nil:
		b.WriteString(errStyle.Render("✗ ") + m.label(m.phase) + "\n")
	case m.done:
		b.WriteString(okStyle.Render("✓ ") + m.label(m.phase) + "\n")
	default:
		b.WriteString(m.spin.View() + " " + m.label(m.phase) + "\n")
	}
	b.WriteString("\n" + m.bar.ViewAs(float64(m.pct)/100) + "\n")
	if m.warning != nil {
		b.WriteString(warnStyle.Render("! "+m.warning.Error()) + "\n")
	}
	if !m.done {
		b.WriteString(faintStyle.Render("ctrl+c to cancel") + "\n")
	}
	return b.String()
}

// runWithProgress runs a pairing attempt behind a progress view. Cancelling
// from the keyboard cancels the attempt and waits for it to unwind.
func runWithProgress(ctx context.Context, ssid string, run func(context.Context, provision.Observer) (device.EndpointInfo, error)) (device.EndpointInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newPairModel(ssid, cancel))
	go func() {
		info, err := run(ctx, func(e provision.Event) { p.Send(pairEventMsg(e)) })
		p.Send(pairDoneMsg{info: info, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return device.EndpointInfo{}, err
	}
	m := final.(pairModel)
	return m.info, m.err
}
