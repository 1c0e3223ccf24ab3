package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// Visualizer generates visual representations of machine definitions.
type Visualizer struct {
	definition *Definition
}

// NewVisualizer creates a visualizer for a definition.
func NewVisualizer(def *Definition) *Visualizer {
	return &Visualizer{definition: def}
}

// ToDOT generates a Graphviz digraph of the definition. Offline states are
// drawn dashed, final states with a double border.
func (v *Visualizer) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", v.definition.ID))
	sb.WriteString("    rankdir=LR;\n")
	sb.WriteString(fmt.Sprintf("    __start [shape=point];\n    __start -> %q;\n", v.definition.InitialState))

	for _, name := range v.sortedStates() {
		state := v.definition.States[name]
		attrs := []string{"shape=box"}
		if state.Final {
			attrs = []string{"shape=box", "peripheries=2"}
		}
		if state.Offline {
			attrs = append(attrs, "style=dashed")
		}
		sb.WriteString(fmt.Sprintf("    %q [%s];\n", name, strings.Join(attrs, ", ")))

		events := make([]string, 0, len(state.Transitions))
		for event := range state.Transitions {
			events = append(events, event)
		}
		sort.Strings(events)
		for _, event := range events {
			sb.WriteString(fmt.Sprintf("    %q -> %q [label=%q];\n", name, state.Transitions[event], event))
		}
		if state.Timeout != nil {
			label := fmt.Sprintf("timeout %s", state.Timeout.Duration)
			sb.WriteString(fmt.Sprintf("    %q -> %q [label=%q, style=dotted];\n", name, state.Timeout.Target, label))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ToASCII generates a plain-text summary of the definition.
func (v *Visualizer) ToASCII() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Machine type: %s\n", v.definition.ID))
	sb.WriteString(strings.Repeat("=", 60) + "\n\n")
	sb.WriteString(fmt.Sprintf("Initial state: %s\n\nStates:\n", v.definition.InitialState))

	for _, name := range v.sortedStates() {
		state := v.definition.States[name]
		var markers []string
		if state.Offline {
			markers = append(markers, "offline")
		}
		if state.Final {
			markers = append(markers, "final")
		}
		marker := ""
		if len(markers) > 0 {
			marker = " (" + strings.Join(markers, ", ") + ")"
		}
		sb.WriteString(fmt.Sprintf("  * %s%s\n", name, marker))

		events := make([]string, 0, len(state.Transitions))
		for event := range state.Transitions {
			events = append(events, event)
		}
		sort.Strings(events)
		for _, event := range events {
			sb.WriteString(fmt.Sprintf("      %s -> %s\n", event, state.Transitions[event]))
		}
		for event := range state.StayHandlers {
			sb.WriteString(fmt.Sprintf("      %s (stay)\n", event))
		}
		if state.Timeout != nil {
			sb.WriteString(fmt.Sprintf("      timeout %s -> %s\n", state.Timeout.Duration, state.Timeout.Target))
		}
	}

	return sb.String()
}

func (v *Visualizer) sortedStates() []string {
	names := make([]string, 0, len(v.definition.States))
	for name := range v.definition.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
