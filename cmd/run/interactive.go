package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/term"

	"github.com/wippyai/wasi-parallel/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err      error
	rt       *runtime.Runtime
	instance *runtime.Instance
	module   *runtime.Module
	opts     options
	result   string
	funcs    []runtime.Export
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
	stateDevices
	stateKernels
)

func newInteractiveModel(opts options) *interactiveModel {
	return &interactiveModel{
		opts:  opts,
		state: stateSelectFunc,
	}
}

type loadedMsg struct {
	err error
	rt  *runtime.Runtime
	mod *runtime.Module
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	ctx := context.Background()

	data, err := readModule(m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}
	cfg, err := config(m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}
	// The TUI owns the terminal.
	cfg.Stdin = nil
	cfg.Stdout = nil
	cfg.Stderr = nil

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return loadedMsg{err: err}
	}
	mod, err := rt.Load(ctx, data)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, mod: mod}
}

func (m *interactiveModel) close() {
	ctx := context.Background()
	if m.instance != nil {
		m.instance.Close(ctx)
	}
	if m.rt != nil {
		m.rt.Close(ctx)
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateInputArgs && msg.String() != "ctrl+c" && msg.String() != "enter" &&
			msg.String() != "tab" && msg.String() != "esc" {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q":
			m.close()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "d":
			if m.state == stateSelectFunc {
				m.state = stateDevices
			}

		case "K":
			if m.state == stateSelectFunc {
				m.state = stateKernels
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			default:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			if m.state == stateInputArgs {
				m.inputs = nil
			}
			m.reset()
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.module = msg.mod
		m.funcs = msg.mod.Exports()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectFunc
	m.result = ""
	m.err = nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.Params))
	for i, p := range f.Params {
		ti := textinput.New()
		ti.Placeholder = api.ValueTypeName(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// ensureInstance instantiates the module on first use. The instance is kept
// so devices and buffers persist across calls.
func (m *interactiveModel) ensureInstance(ctx context.Context) error {
	if m.instance != nil {
		return nil
	}
	if m.module == nil {
		return fmt.Errorf("module not loaded")
	}
	inst, err := m.module.Instantiate(ctx)
	if err != nil {
		return err
	}
	m.instance = inst
	return nil
}

func (m *interactiveModel) callFunction() tea.Msg {
	ctx := context.Background()
	if err := m.ensureInstance(ctx); err != nil {
		return callResultMsg{err: err}
	}

	f := m.funcs[m.selected]
	fields := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		fields[i] = input.Value()
	}
	args, err := encodeArgs(fields, f.Params)
	if err != nil {
		return callResultMsg{err: err}
	}

	results, err := m.instance.Call(ctx, f.Name, args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatResults(results, f.Results)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.module == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("wasi-parallel"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatSignature(f)))
			} else {
				b.WriteString("  " + m.formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • d devices • K kernels • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(api.ValueTypeName(f.Params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))

	case stateDevices:
		b.WriteString("Opened devices:\n\n")
		var devices []runtime.Device
		if m.instance != nil {
			devices = m.instance.Devices()
		}
		if len(devices) == 0 {
			b.WriteString(helpStyle.Render("  none yet"))
			b.WriteString("\n")
		}
		for _, d := range devices {
			b.WriteString(fmt.Sprintf("  %d %s %s\n", d.Handle, funcStyle.Render(d.Name), typeStyle.Render(d.Kind.String())))
		}
		if m.instance != nil {
			b.WriteString(fmt.Sprintf("\nLive buffers: %d\n", m.instance.Buffers()))
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back • q quit"))

	case stateKernels:
		b.WriteString(fmt.Sprintf("Table slots (size %d): %v\n", m.module.TableSize(), m.module.TableSlots()))
		b.WriteString(fmt.Sprintf("Kernel modules: %v\n\n", m.module.KernelIDs()))
		b.WriteString(helpStyle.Render("esc back • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatFunc(f runtime.Export) string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprintf("arg%d: %s", i, typeStyle.Render(api.ValueTypeName(p)))
	}
	out := funcStyle.Render(f.Name) + "(" + strings.Join(params, ", ") + ")"
	if len(f.Results) > 0 {
		results := make([]string, len(f.Results))
		for i, r := range f.Results {
			results[i] = api.ValueTypeName(r)
		}
		out += " -> " + typeStyle.Render(strings.Join(results, ", "))
	}
	return out
}

func runInteractive(opts options) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
