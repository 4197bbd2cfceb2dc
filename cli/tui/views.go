package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
)

func row(label, value string) string {
	return fmt.Sprintf("%s %s\n", LabelStyle.Render(label), value)
}

func (m Model) renderStatus() string {
	st, ok := m.data.(*pipeline.Status)
	if !ok {
		return "invalid data for status view"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Collection " + st.CollectionID))
	b.WriteString("\n\n")

	state := StateStyle(string(st.State)).Render(string(st.State))
	if st.State == pipeline.StatePending {
		state = m.spinner.View() + " " + state
	}
	b.WriteString(row("State:", state))
	b.WriteString(row("Live packets:", ValueStyle.Render(fmtInt(st.LivePackets))))

	if r := st.Result; r != nil {
		b.WriteString("\n")
		b.WriteString(row("Value:", ValueStyle.Render(strconv.FormatFloat(r.Value, 'g', -1, 64))))
		b.WriteString(row("Total units:", ValueStyle.Render(fmtInt(r.TotalUnits))))
		if r.Empty {
			b.WriteString(row("Empty:", ValueStyle.Render("yes")))
		}
		if !r.CompletedAt.IsZero() {
			b.WriteString(row("Completed:", ValueStyle.Render(r.CompletedAt.Format("2006-01-02 15:04:05"))))
		}
	}
	return BoxStyle.Render(b.String())
}

func (m Model) renderQueues() string {
	depths, ok := m.data.([]queue.Depth)
	if !ok {
		return "invalid data for queues view"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Queues"))
	b.WriteString("\n\n")

	for i, d := range depths {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(highlightColor).Render(d.Queue))
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			statBox("Ready", d.Ready, highlightColor),
			statBox("In flight", d.InFlight, warningColor),
			statBox("Dead", d.Dead, errorColor),
		))
	}
	return b.String()
}
