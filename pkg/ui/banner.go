package ui

import "strings"

const (
	reset      = "\033[0m"
	bold       = "\033[1m"
	mint       = "\033[38;5;121m"
	seafoam    = "\033[38;5;49m"
	cobalt     = "\033[38;5;33m"
	deepIndigo = "\033[38;5;61m"
	fuchsia    = "\033[38;5;177m"
	frameRed   = "\033[38;5;203m"
)

// Banner renders a colored contig wordmark.
func Banner() string {
	var b strings.Builder

	contigLetters := [][]string{
		{" ██████╗", "██╔════╝", "██║     ", "██║     ", "╚██████╗", " ╚═════╝"},
		{" ██████╗ ", "██╔═══██╗", "██║   ██║", "██║   ██║", "╚██████╔╝", " ╚═════╝ "},
		{"███╗   ██╗", "████╗  ██║", "██╔██╗ ██║", "██║╚██╗██║", "██║ ╚████║", "╚═╝  ╚═══╝"},
		{"████████╗", "╚══██╔══╝", "   ██║   ", "   ██║   ", "   ██║   ", "   ╚═╝   "},
		{"██╗", "██║", "██║", "██║", "██║", "╚═╝"},
		{" ██████╗ ", "██╔════╝ ", "██║  ███╗", "██║   ██║", "╚██████╔╝", " ╚═════╝ "},
	}
	contigGradient := []string{seafoam, mint, cobalt, deepIndigo, fuchsia, frameRed}
	contigRows := make([]string, len(contigLetters[0]))
	for i, letter := range contigLetters {
		color := contigGradient[i%len(contigGradient)]
		for row := 0; row < len(letter); row++ {
			contigRows[row] += color + letter[row] + "  "
		}
	}
	for _, line := range contigRows {
		b.WriteString(bold + line + reset + "\n")
	}

	b.WriteString("\n")
	b.WriteString(bold + seafoam + "pagecontig" + reset + "  •  physical page contiguity lens\n\n")

	return b.String()
}
