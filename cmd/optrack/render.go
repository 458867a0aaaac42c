package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"optrack/driver-agent/internal/app"
	"optrack/driver-agent/internal/queue"
)

type statusStyles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	danger  lipgloss.Style
	muted   lipgloss.Style
	box     lipgloss.Style
}

var styles = statusStyles{
	title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7")),
	label:   lipgloss.NewStyle().Foreground(lipgloss.Color("#a9b1d6")).Width(14),
	success: lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true),
	warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")),
	danger:  lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true),
	muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
	box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#3b4261")).
		Padding(0, 1),
}

func renderStatus(st app.State) string {
	if !st.IsLoggedIn {
		return styles.box.Render(styles.muted.Render("Nenhum operador conectado. Use `optrack login`."))
	}

	var lines []string
	lines = append(lines, styles.title.Render("Veículo "+st.VehiclePlate))

	if st.CurrentOperation != nil {
		lines = append(lines, row("Operação", styles.success.Render(st.CurrentOperation.Name)+"  "+st.ElapsedTime))
		lines = append(lines, row("Início", humanize.Time(st.CurrentOperation.StartTime)))
	} else {
		lines = append(lines, row("Operação", styles.muted.Render("nenhuma")))
	}

	switch {
	case st.ErrorMsg != "":
		lines = append(lines, row("Localização", styles.danger.Render(st.ErrorMsg)))
	case st.IsWaitingForLocation:
		lines = append(lines, row("Localização", styles.warning.Render("Aguardando localização...")))
	case st.Location != nil:
		loc := fmt.Sprintf("%.6f, %.6f (±%sm)", st.Location.Latitude, st.Location.Longitude, humanize.FtoaWithDigits(st.Location.Accuracy, 1))
		lines = append(lines, row("Localização", loc+"  "+styles.muted.Render(humanize.Time(st.Location.Timestamp))))
	default:
		lines = append(lines, row("Localização", styles.muted.Render("parada")))
	}

	lines = append(lines, row("Pendentes", queueSummary(st.Queue)))
	if st.LastSync != nil {
		msg := st.LastSync.Message
		if st.LastSync.Error != "" {
			msg = styles.danger.Render(msg)
		}
		lines = append(lines, row("Última sinc.", msg+"  "+styles.muted.Render(humanize.Time(st.LastSync.At))))
	}
	if len(st.OperationHistory) > 0 {
		last := st.OperationHistory[len(st.OperationHistory)-1]
		lines = append(lines, row("Histórico", fmt.Sprintf("%s operações, última: %s (%s)",
			humanize.Comma(int64(len(st.OperationHistory))), last.Name, last.Duration)))
	}

	return styles.box.Render(strings.Join(lines, "\n"))
}

func row(label, value string) string {
	return styles.label.Render(label) + value
}

func queueSummary(counts map[string]queue.Counts) string {
	loc := counts[queue.KeyLocations].Pending
	ev := counts[queue.KeyEvents].Pending
	hist := counts[queue.KeyHistory].Pending
	if loc+ev+hist == 0 {
		return styles.success.Render("tudo sincronizado")
	}
	return fmt.Sprintf("%s localizações, %s eventos, %s operações",
		humanize.Comma(int64(loc)), humanize.Comma(int64(ev)), humanize.Comma(int64(hist)))
}
