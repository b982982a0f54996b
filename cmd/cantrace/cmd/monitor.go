package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/jroimartin/gocui"
	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/cmd/cantrace/pkg/ui"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Show the latest frame per identifier in a terminal view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, cfg, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer bus.Shutdown()

			g, err := gocui.NewGui(gocui.OutputNormal)
			if err != nil {
				return err
			}
			defer g.Close()

			m := &monitor{
				bus:    bus,
				table:  ui.NewTable(),
				filter: ui.NewInput("filter", "Filter (id:mask,...)", 0, 0, 40, 120),
			}
			g.Cursor = true
			g.SetManagerFunc(m.layout)
			if err := m.keybindings(g); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			n := canbus.NewNotifier(ctx, []canbus.Receiver{bus}, []canbus.Listener{
				canbus.ListenerFunc(func(f *canbus.Frame) error {
					m.table.Update(f)
					return nil
				}),
			}, canbus.WithNotifierEvents(m.event))
			defer n.Stop()

			go m.refresh(ctx, g)
			go func() {
				<-ctx.Done()
				g.Update(func(*gocui.Gui) error { return gocui.ErrQuit })
			}()

			if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
				return err
			}
			cfg.Logger.Debug("monitor stopped", "frames", m.table.Total())
			return nil
		},
	}
}

type monitor struct {
	bus    *canbus.Bus
	table  *ui.Table
	filter *ui.Input
	last   atomic.Value // string
}

func (m *monitor) event(e canbus.Event) {
	m.last.Store(e.String())
}

func (m *monitor) refresh(ctx context.Context, g *gocui.Gui) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	hl := color.New(color.FgYellow, color.Bold).SprintFunc()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		g.Update(func(g *gocui.Gui) error {
			v, err := g.View("frames")
			if err != nil {
				return err
			}
			v.Clear()
			m.table.Render(v, func(s string) string { return hl(s) })

			info, err := g.View("info")
			if err != nil {
				return err
			}
			info.Clear()
			st := m.bus.Stats()
			fmt.Fprintf(info, "%s  ids: %d  %s", m.bus.Channel(), m.table.Len(), st.String())
			if last, _ := m.last.Load().(string); last != "" {
				fmt.Fprintf(info, "  %s", last)
			}
			return nil
		})
	}
}

func (m *monitor) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	if err := m.filter.Layout(g); err != nil {
		return err
	}
	if v, err := g.SetView("help", 41, 0, maxX-1, 2); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Help"
		fmt.Fprint(v, "<Q, Ctrl-C> Quit  <Ctrl-F> Filter  <C> Clear")
	}
	if v, err := g.SetView("frames", 0, 3, maxX-1, maxY-4); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Frames"
		if _, err := g.SetCurrentView("frames"); err != nil {
			return err
		}
	}
	if v, err := g.SetView("info", 0, maxY-3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Info"
	}
	return nil
}

func (m *monitor) setFilter(g *gocui.Gui, v *gocui.View) error {
	buff := strings.TrimSpace(v.Buffer())
	filters, err := canbus.ParseFilters(buff)
	if err == nil {
		err = m.bus.SetFilters(filters...)
	}
	if err != nil {
		m.last.Store(err.Error())
		return nil
	}
	m.table.Reset()
	_, err = g.SetCurrentView("frames")
	return err
}

func (m *monitor) keybindings(g *gocui.Gui) error {
	bindings := []struct {
		view    string
		key     any
		handler func(*gocui.Gui, *gocui.View) error
	}{
		{"", gocui.KeyCtrlC, quit},
		{"frames", 'q', quit},
		{"frames", gocui.KeyCtrlF, func(g *gocui.Gui, v *gocui.View) error {
			_, err := g.SetCurrentView("filter")
			return err
		}},
		{"frames", 'c', func(g *gocui.Gui, v *gocui.View) error {
			m.table.Reset()
			return nil
		}},
		{"filter", gocui.KeyEnter, m.setFilter},
	}
	for _, b := range bindings {
		if err := g.SetKeybinding(b.view, b.key, gocui.ModNone, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}
