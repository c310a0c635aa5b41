package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/migrate"
)

type runResult struct {
	sum migrate.Summary
	err error
}

type model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sess    *jobs.Session
	label   string
	result  chan runResult
	started bool

	total       int
	done        int
	transferred int
	skipped     int
	failed      int
	deleted     int

	spinner  spinner.Model
	bar      progress.Model
	res      runResult
	finished bool
	began    time.Time
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
}

type tickMsg time.Time

func newModel(ctx context.Context, sess *jobs.Session) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{
		ctx:     cctx,
		cancel:  cancel,
		sess:    sess,
		label:   fmt.Sprintf("%s -> %s", sess.Config.Source, sess.Config.Destination),
		result:  make(chan runResult, 1),
		spinner: s,
		bar:     bar,
		began:   now,
		lastAt:  now,
	}
}

func (m *model) Init() tea.Cmd {
	m.started = true
	return tea.Batch(m.spinner.Tick, tick(), m.startRun())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startRun() tea.Cmd {
	return func() tea.Msg {
		sum, err := m.sess.Run(m.ctx)
		res := runResult{sum: sum, err: err}
		m.result <- res
		return res
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case runResult:
		m.res = msg
		m.finished = true
		m.drain()
		if msg.err == nil {
			m.done = m.total
		}
		return m, tea.Quit
	case tickMsg:
		m.updateEMARate()
		m.drain()
		return m, tick()
	}
	m.drain()
	var cmd tea.Cmd
	if sm, ok := msg.(spinner.TickMsg); ok {
		m.spinner, cmd = m.spinner.Update(sm)
	}
	return m, cmd
}

// drain applies every event queued so far without blocking.
func (m *model) drain() {
	for {
		select {
		case ev, ok := <-m.sess.Migrator.Events():
			if !ok {
				return
			}
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *model) apply(ev migrate.Event) {
	m.total, m.done = ev.Total, ev.Done
	if ev.Type != migrate.EventProgress {
		return
	}
	switch ev.Status {
	case migrate.StatusTransferred:
		m.transferred++
	case migrate.StatusSkipped:
		m.skipped++
	case migrate.StatusFailed:
		m.failed++
	case migrate.StatusDeleted:
		m.deleted++
	}
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("mailshift")
	sub := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(m.label)
	s := title + "  " + sub + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	s += fmt.Sprintf("%s Overall %d/%d   %s\n", m.spinner.View(), m.done, m.total, m.formatETA())
	s += m.bar.ViewAs(pct) + "\n"
	counts := [4]int{m.transferred, m.skipped, m.failed, m.deleted}
	if m.finished {
		// events may have been dropped; the summary is exact
		sum := m.res.sum
		counts = [4]int{sum.Transferred, sum.Skipped, sum.Failed, sum.Deleted}
	}
	s += fmt.Sprintf("transferred %d  skipped %d  failed %d  deleted %d\n\n", counts[0], counts[1], counts[2], counts[3])
	if m.finished && m.res.err != nil {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Error: "+m.res.err.Error()) + "\n"
	} else if m.finished && m.total == 0 {
		hint := "No messages matched the search query."
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(hint) + "\n"
	}
	return s
}

func (m *model) formatETA() string {
	if m.total == 0 {
		return "ETA --"
	}
	remaining := m.total - m.done
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.began)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.done) / elapsed.Seconds()
	}
	if rate <= 0.01 { // too low/unstable
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		mrem := int((d - time.Duration(h)*time.Hour) / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	// half-life of 3s
	alpha := 1 - math.Exp(-math.Ln2*dt/3.0)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.done
	m.lastAt = now
}

// runTUI runs the session under the progress UI and returns its outcome.
// Quitting early cancels the run and waits for it to stop.
func runTUI(ctx context.Context, sess *jobs.Session) (migrate.Summary, error) {
	m := newModel(ctx, sess)
	defer m.cancel()
	if _, err := tea.NewProgram(m).Run(); err != nil && !m.started {
		fmt.Println("TUI failed:", err)
		go func() {
			for range sess.Migrator.Events() {
			}
		}()
		return sess.Run(ctx)
	}
	if m.finished {
		return m.res.sum, m.res.err
	}
	res := <-m.result
	return res.sum, res.err
}

// --- Confirmation TUI ---

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render(m.title)
	desc := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", title, box, desc)
}

// runConfirmTUI displays a confirmation dialog with a summary and returns true if confirmed.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
