package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/storage"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")).
			Margin(1, 0, 0, 0)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	okStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	badStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	itemStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Margin(0, 0, 0, 2)

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Margin(1, 0)
)

var titleCaser = cases.Title(language.English)

// kindTitle turns a kind or state name such as "new_blocks" into "New Blocks".
func kindTitle(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func row(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// openStore opens the archive named by cfg. It fails if the archive file
// does not exist yet, so read-only commands never create one.
func openStore(cfg *config.Config) (*storage.Store, error) {
	path := cfg.DBPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive %s not found (has the stream daemon run with [archive] enabled?): %w", path, err)
	}
	store, err := storage.Open(path, storage.Options{CompressPayloads: cfg.Archive.CompressPayloads})
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return store, nil
}

func closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close archive: %v\n", err)
	}
}
