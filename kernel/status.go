package kernel

import (
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"go.labforge.io/labkernel/module"
)

// Status describes one declared module.
type Status struct {
	Name           string       `json:"name"`
	Kind           module.Kind  `json:"kind"`
	Implementation string       `json:"implementation,omitempty"`
	Remote         string       `json:"remote,omitempty"`
	State          module.State `json:"state"`
	AllowRemote    bool         `json:"allow_remote"`
	// Error holds the resolution failure or the cause of the Error state.
	Error string `json:"error,omitempty"`
}

// Statuses returns the status of every declared module in activation order; modules that failed
// resolution come first, by name.
func (k *Kernel) Statuses() []Status {
	res := k.Resolution()
	names := res.inOrder(k.Names())
	out := make([]Status, 0, len(names))
	for _, name := range names {
		n, ok := k.node(name)
		if !ok {
			continue
		}
		n.mu.Lock()
		st := Status{
			Name:           name,
			Kind:           n.decl.Kind,
			Implementation: n.decl.Implementation,
			Remote:         n.decl.Remote,
			State:          n.state,
			AllowRemote:    n.decl.AllowRemote,
		}
		if n.cause != nil {
			st.Error = n.cause.Error()
		}
		n.mu.Unlock()
		if cerr, failed := res.Failed[name]; failed && st.Error == "" {
			st.Error = cerr.Error()
		}
		out = append(out, st)
	}
	return out
}

var stateColors = map[module.State]*color.Color{
	module.StateUnloaded:    color.New(color.FgHiBlack),
	module.StateDeactivated: color.New(color.FgYellow),
	module.StateIdle:        color.New(color.FgGreen),
	module.StateLocked:      color.New(color.FgCyan),
	module.StateError:       color.New(color.FgRed, color.Bold),
}

// ColorState renders a state name in its terminal color. Color is disabled automatically when
// output is not a terminal.
func ColorState(state module.State) string {
	if c, ok := stateColors[state]; ok {
		return c.Sprint(state.String())
	}
	return state.String()
}

// StatusTable renders statuses as a table.
func StatusTable(statuses []Status) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Name", "Kind", "Module", "State", "Remote", "Error"})
	for i, st := range statuses {
		impl := st.Implementation
		if st.Remote != "" {
			impl = st.Remote
		}
		remote := ""
		if st.AllowRemote {
			remote = "yes"
		}
		t.AppendRow(table.Row{i + 1, st.Name, st.Kind, impl, ColorState(st.State), remote, st.Error})
	}
	return t.Render()
}

// StatusTable renders the kernel's current statuses as a table.
func (k *Kernel) StatusTable() string {
	return StatusTable(k.Statuses())
}

// GraphDOT renders the current dependency graph in Graphviz format.
func (k *Kernel) GraphDOT() string {
	res := k.Resolution()
	failed := make(map[string]string, len(res.Failed))
	for name, cerr := range res.Failed {
		failed[name] = cerr.Error()
	}
	return res.Graph.DOT(failed)
}
