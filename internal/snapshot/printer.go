// Package snapshot renders the cluster and docker stores to the terminal
// on every update tick. Color degrades automatically for non-interactive
// (piped/logged) output via termenv profile detection.
package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"scrambler/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accent = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	good   = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	bad    = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	muted  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	bold   = lipgloss.NewStyle().Bold(true)
)

func init() {
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

// Print renders a human-readable snapshot of both stores to a single
// string: a header per store, one line per cluster node, and one line per
// node/image pair in the docker section (cluster nodes only).
func Print(clusterState map[string]model.ClusterEntry, dockerState map[string]model.DockerEntry) string {
	var b strings.Builder
	b.WriteString(bold.Render("cluster") + "\n")

	hostnames := make([]string, 0, len(clusterState))
	for h := range clusterState {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)

	for _, h := range hostnames {
		entry := clusterState[h]
		role := muted.Render("peer")
		if entry.Master {
			role = accent.Render("coordinator")
		}
		b.WriteString(fmt.Sprintf("  %s  %s  %s\n", bold.Render(h), entry.Address, role))
	}

	b.WriteString(bold.Render("docker") + "\n")
	for _, h := range hostnames {
		images := dockerState[h]
		imageNames := make([]string, 0, len(images))
		for name := range images {
			imageNames = append(imageNames, name)
		}
		sort.Strings(imageNames)
		for _, image := range imageNames {
			running := 0
			for _, c := range images[image] {
				if c.Running {
					running++
				}
			}
			status := good.Render(fmt.Sprintf("%d running", running))
			if running == 0 {
				status = bad.Render("0 running")
			}
			b.WriteString(fmt.Sprintf("  %s/%s  %s\n", h, image, status))
		}
	}

	return b.String()
}
