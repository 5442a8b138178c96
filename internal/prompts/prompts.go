// Package prompts builds the system prompt for the assistant.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"
)

//go:embed persona.md
var defaultPersona string

// Persona holds the assistant's base instructions.
type Persona struct {
	text string
}

// Load returns the persona from the given file, or the embedded
// default when path is empty.
func Load(path string) (*Persona, error) {
	if path == "" {
		return &Persona{text: defaultPersona}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("persona file %s is empty", path)
	}
	return &Persona{text: text}, nil
}

// System composes the full system prompt for a turn: the persona
// followed by the current date and the working timezone, so the model
// can resolve relative expressions like "tomorrow at 3pm".
func (p *Persona) System(now time.Time, loc *time.Location) string {
	local := now.In(loc)
	var b strings.Builder
	b.WriteString(p.text)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current date and time: %s\n", local.Format("Monday, January 2, 2006 at 15:04"))
	fmt.Fprintf(&b, "Timezone: %s. Unless the user says otherwise, interpret all times in this timezone.\n", loc.String())
	return b.String()
}
