package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-conductor/conductor"
	"go-conductor/control"
	"go-conductor/midi"
	"go-conductor/theme"
	"go-conductor/widgets"
)

const (
	refreshRate = 50 * time.Millisecond
	logLines    = 4
)

// Source is what the console reads. *conductor.Controller implements it.
type Source interface {
	Status() conductor.Status
	Subscribe() (<-chan conductor.Event, func())
	Rewind()
}

// Buttons is what keys press. *control.Dispatcher implements it.
type Buttons interface {
	Press(button string) error
	Scenes() [3]string
}

type Model struct {
	src     Source
	buttons Buttons
	devices <-chan midi.DeviceEvent
	Theme   *theme.Theme

	events <-chan conductor.Event
	cancel func()

	st       conductor.Status
	log      []string
	err      string
	quitting bool
}

type tickMsg time.Time

type EventMsg conductor.Event

type DeviceEventMsg midi.DeviceEvent

// NewModel subscribes to controller events. devices may be nil.
func NewModel(src Source, buttons Buttons, devices <-chan midi.DeviceEvent, th *theme.Theme) Model {
	events, cancel := src.Subscribe()
	return Model{
		src:     src,
		buttons: buttons,
		devices: devices,
		Theme:   th,
		events:  events,
		cancel:  cancel,
		st:      src.Status(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func ListenForEvents(ch <-chan conductor.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg(ev)
	}
}

func ListenForDevices(ch <-chan midi.DeviceEvent) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return DeviceEventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(),
		ListenForEvents(m.events),
		ListenForDevices(m.devices),
	)
}

var keyButtons = map[string]string{
	" ":     control.StartStop,
	"space": control.StartStop,
	"p":     control.StartStop,
	"+":     control.BPMUp,
	"=":     control.BPMUp,
	"-":     control.BPMDown,
	"_":     control.BPMDown,
	"1":     control.Scene1,
	"2":     control.Scene2,
	"3":     control.Scene3,
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		case "r":
			m.src.Rewind()
			m = m.note("rewound to bar 1")
		default:
			if button, ok := keyButtons[key]; ok {
				m.err = ""
				if err := m.buttons.Press(button); err != nil {
					m.err = err.Error()
				}
			}
		}
		m.st = m.src.Status()

	case tickMsg:
		m.st = m.src.Status()
		return m, tick()

	case EventMsg:
		m = m.note(describe(conductor.Event(msg)))
		return m, ListenForEvents(m.events)

	case DeviceEventMsg:
		ev := midi.DeviceEvent(msg)
		m = m.note(fmt.Sprintf("%s %s", ev.ID, ev.Type))
		return m, ListenForDevices(m.devices)
	}
	return m, nil
}

// note appends a line to the activity log, keeping the last few.
func (m Model) note(line string) Model {
	stamp := time.Now().Format("15:04:05")
	m.log = append(m.log, stamp+"  "+line)
	if len(m.log) > logLines {
		m.log = m.log[len(m.log)-logLines:]
	}
	return m
}

func describe(ev conductor.Event) string {
	switch ev.Kind {
	case conductor.EventPlayStart:
		return fmt.Sprintf("play from beat %.0f", ev.Beat)
	case conductor.EventPlayStop:
		return fmt.Sprintf("stop at beat %.2f", ev.Beat)
	case conductor.EventBPMChange:
		return fmt.Sprintf("tempo %.1f -> %.1f", ev.OldBPM, ev.BPM)
	case conductor.EventSceneChange:
		return fmt.Sprintf("scene %q (%.1f bpm)", ev.Scene, ev.BPM)
	}
	return string(ev.Kind)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	st := m.st
	th := m.Theme

	headerStyle := lipgloss.NewStyle().Foreground(th.Accent()).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(th.Muted())
	fgStyle := lipgloss.NewStyle().Foreground(th.FG())
	errStyle := lipgloss.NewStyle().Foreground(th.Active())

	playState := "STOP"
	if st.Playing {
		playState = "PLAY"
	}
	tempo := fmt.Sprintf("%5.1fbpm", st.BPM)
	if math.Abs(st.Target-st.BPM) >= 0.05 {
		tempo += dimStyle.Render(fmt.Sprintf(" -> %.1f", st.Target))
	}
	header := headerStyle.Render(fmt.Sprintf("go-conductor  %s  ", playState)) + fgStyle.Render(tempo)

	sync := fmt.Sprintf("%s peers %d  %s", widgets.RenderDot(th, st.Peers > 0), st.Peers,
		widgets.RenderAccuracy(th, time.Duration(st.TimingAccuracy*float64(time.Second)), st.Peers))

	bar := fmt.Sprintf("%s  %s  %s",
		widgets.RenderBeatBar(th, st.Phase, st.Quantum, st.Playing),
		fgStyle.Render(widgets.BeatLabel(st.Beat, st.Quantum)),
		widgets.RenderPhase(th, st.Phase, st.Quantum, 16))

	scene := st.Scene
	if scene == "" {
		scene = "-"
	}
	slots := m.buttons.Scenes()
	var slotLine strings.Builder
	for i, name := range slots {
		if name == "" {
			name = "·"
		}
		fmt.Fprintf(&slotLine, "%d:%s  ", i+1, name)
	}

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")
	out.WriteString("  " + bar + "\n")
	out.WriteString("  " + sync + "\n")
	out.WriteString("  " + fgStyle.Render("scene "+scene) + "  " + dimStyle.Render(slotLine.String()) + "\n\n")
	out.WriteString(widgets.RenderOutputs(th, st.Outputs))
	out.WriteString("\n\n")

	for _, line := range m.log {
		out.WriteString(dimStyle.Render("  "+line) + "\n")
	}
	if m.err != "" {
		out.WriteString(errStyle.Render("  "+m.err) + "\n")
	}

	out.WriteString("\n")
	out.WriteString(dimStyle.Render(widgets.RenderKeyHelp(helpKeys)))
	return out.String()
}

var helpKeys = []widgets.KeySection{{
	Keys: []widgets.KeyBinding{
		{Key: "space/p", Desc: "start/stop"},
		{Key: "+/-", Desc: "tempo"},
		{Key: "1-3", Desc: "scenes"},
		{Key: "r", Desc: "rewind"},
		{Key: "q", Desc: "quit"},
	},
}}
