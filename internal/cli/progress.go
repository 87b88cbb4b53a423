package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/reportq/internal/client"
	"github.com/raphaelgruber/reportq/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobFetcher is the part of the client the progress model polls.
type jobFetcher interface {
	Status(ctx context.Context, id string) (models.Job, error)
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job models.Job
	err error
}

// progressModel follows a request job and then the download job it schedules.
type progressModel struct {
	client   jobFetcher
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	note     string
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c jobFetcher, job models.Job) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		jobID:    job.ID,
		job:      &job,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			// A request completed but its download job was never scheduled.
			if client.IsStatus(msg.err, http.StatusNotFound) && m.job != nil && m.job.ParentID == "" &&
				m.job.Status == models.StatusCompleted {
				m.note = "no download job was scheduled"
				m.done = true
				return m, tea.Quit
			}
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		job := msg.job
		m.job = &job

		switch job.Status {
		case models.StatusCompleted:
			if job.Operation == models.OperationRequest {
				m.jobID = models.DownloadJobID(job.ID)
				return m, m.fetchJob()
			}
			m.done = true
			return m, tea.Quit
		case models.StatusFailed:
			m.done = true
			if job.Error != "" {
				m.err = fmt.Errorf("%s", job.Error)
			} else {
				m.err = fmt.Errorf("job failed with unknown error")
			}
			return m, tea.Quit
		}

		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s %s]", m.job.Operation, m.job.Status))
	progressBar := m.progress.ViewAs(workflowProgress(*m.job))

	detail := fmt.Sprintf("attempt %d", m.job.Attempts+1)
	if m.job.Status == models.StatusEnqueued && m.job.ScheduledFor != nil && time.Now().Before(*m.job.ScheduledFor) {
		detail += ", due " + formatTime(m.job.ScheduledFor)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, progressBar, detail)
	if m.job.Error != "" {
		b.WriteString(m.theme.errorStyle().Render("last error: "+m.job.Error) + "\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to stop watching") + "\n")
	return b.String()
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues on the server.\nUse 'reportq status %s' to check it.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n")
	if m.job != nil {
		fmt.Fprintf(&b, "\n  Job:       %s\n", m.job.ID)
		fmt.Fprintf(&b, "  Report:    %s\n", m.job.ReportType)
		fmt.Fprintf(&b, "  Attempts:  %d\n", m.job.Attempts)
		if len(m.job.Result) > 0 {
			fmt.Fprintf(&b, "  Result:    %s\n", m.job.Result)
		}
	}
	if m.note != "" {
		b.WriteString(m.theme.hintStyle().Render("\n"+m.note) + "\n")
	}
	return b.String()
}

// fetchJob runs in a command to avoid blocking Update().
func (m progressModel) fetchJob() tea.Cmd {
	id := m.jobID
	return func() tea.Msg {
		ctx, cancel := waitContext()
		defer cancel()

		job, err := m.client.Status(ctx, id)
		return jobUpdateMsg{job: job, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// workflowProgress maps a job to its share of the request+download workflow.
// The request phase covers the first half, the download phase the second.
func workflowProgress(j models.Job) float64 {
	var step float64
	switch j.Status {
	case models.StatusEnqueued, models.StatusRetrying:
		step = 0.1
	case models.StatusInProgress:
		step = 0.3
	case models.StatusCompleted, models.StatusFailed:
		step = 0.5
	}
	if j.Operation == models.OperationDownload {
		return 0.5 + step
	}
	return step
}

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success or Ctrl+C, error on job failure.
func RunJobProgress(c jobFetcher, job models.Job) error {
	model := newProgressModel(c, job)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
