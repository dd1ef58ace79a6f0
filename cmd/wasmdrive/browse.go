package main

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	fileStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	sizeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	contentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxPreview caps the bytes rendered for one file.
const maxPreview = 4096

func newBrowseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse drive files interactively and read them through the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHost(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer h.Close()

			p := tea.NewProgram(newBrowseModel(cmd.Context(), h), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

type browseState int

const (
	stateList browseState = iota
	stateInput
	stateShow
)

type entry struct {
	name string
	size int64
}

type browseModel struct {
	ctx      context.Context
	err      error
	host     *host
	input    textinput.Model
	current  string
	content  []byte
	entries  []entry
	selected int
	loaded   bool
	state    browseState
}

type listedMsg struct {
	err     error
	entries []entry
}

type readMsg struct {
	err     error
	name    string
	content []byte
}

func newBrowseModel(ctx context.Context, h *host) *browseModel {
	ti := textinput.New()
	ti.Placeholder = "path/to/file"
	ti.Prompt = "open: "
	ti.Width = 60

	return &browseModel{
		ctx:   ctx,
		host:  h,
		input: ti,
		state: stateList,
	}
}

func (m *browseModel) Init() tea.Cmd {
	return m.list
}

// list walks the drive's backing file system. Gateway drives only show
// what has been fetched so far.
func (m *browseModel) list() tea.Msg {
	if m.host.fsys == nil {
		return listedMsg{}
	}
	var entries []entry
	err := fs.WalkDir(m.host.fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{name: name, size: info.Size()})
		return nil
	})
	return listedMsg{entries: entries, err: err}
}

func (m *browseModel) read(name string) tea.Cmd {
	return func() tea.Msg {
		data, err := m.host.cat(m.ctx, name)
		return readMsg{name: name, content: data, err: err}
	}
}

func (m *browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateInput {
			return m.updateInput(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateList && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateList && m.selected < len(m.entries)-1 {
				m.selected++
			}

		case "o", "/":
			if m.state == stateList {
				m.state = stateInput
				m.input.SetValue("")
				return m, m.input.Focus()
			}

		case "r":
			if m.state == stateList {
				return m, m.list
			}

		case "enter":
			switch m.state {
			case stateList:
				if len(m.entries) > 0 {
					return m, m.read(m.entries[m.selected].name)
				}
			case stateShow:
				m.back()
			}

		case "esc":
			if m.state == stateShow {
				m.back()
			}
		}

	case listedMsg:
		m.loaded = true
		m.err = msg.err
		m.entries = msg.entries
		if m.selected >= len(m.entries) {
			m.selected = 0
		}

	case readMsg:
		m.current = msg.name
		m.content = msg.content
		m.err = msg.err
		m.state = stateShow
	}

	return m, nil
}

func (m *browseModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.input.Blur()
		m.state = stateList
		return m, nil
	case "enter":
		name := strings.TrimSpace(m.input.Value())
		m.input.Blur()
		return m, m.read(name)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *browseModel) back() {
	m.state = stateList
	m.current = ""
	m.content = nil
	m.err = nil
}

func (m *browseModel) View() string {
	if !m.loaded {
		return "Listing drive..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Drive Browser"))
	b.WriteString("\n\n")

	switch m.state {
	case stateList:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
			b.WriteString("\n\n")
		}
		if len(m.entries) == 0 {
			b.WriteString("No files listed. Press o to open a path.\n")
		}
		for i, e := range m.entries {
			line := fileStyle.Render(e.name) + " " + sizeStyle.Render(fmt.Sprintf("%d bytes", e.size))
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> ") + line)
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter read • o open path • r refresh • q quit"))

	case stateInput:
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter read • esc back"))

	case stateShow:
		b.WriteString(fmt.Sprintf("%s\n\n", fileStyle.Render(m.current)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(contentStyle.Render(preview(m.content)))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter back • q quit"))
	}

	return b.String()
}

func preview(data []byte) string {
	total := len(data)
	truncated := total > maxPreview
	if truncated {
		data = data[:maxPreview]
		for i := 0; i < utf8.UTFMax && !utf8.Valid(data); i++ {
			data = data[:len(data)-1]
		}
	}
	if !utf8.Valid(data) {
		return fmt.Sprintf("%d bytes of binary content", total)
	}
	s := string(data)
	if truncated {
		s += "\n..."
	}
	return s
}
