// list.go
package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// listWidth probes the output terminal for its column count. Piped
// output gets the classic 80 columns.
func listWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 80
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 {
		return 80
	}
	return cols
}

// printDeviceList writes one line per discovered card, in the same
// key=value vocabulary the device filter accepts.
func printDeviceList(w io.Writer, cards []DeviceCard) {
	width := listWidth(w)
	for _, c := range cards {
		line := fmt.Sprintf("card=%s driver=%s subsystem=%s slot=%s",
			c.CardName, c.Driver, c.Subsystem, c.PCISlot)
		if c.RenderName != "" {
			line += " render=" + c.RenderName
		}
		fmt.Fprintln(w, truncateString(line, width))
	}
}
