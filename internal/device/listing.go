package device

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	listClassWidth = 30
	listDescWidth  = 32
)

// WriteListing prints one line per registered device. Lines are cut to
// width display cells when width is positive.
func (r *Registry) WriteListing(w io.Writer, width int) error {
	devices := r.Devices()
	if _, err := fmt.Fprintf(w, "%d devices registered\n", len(devices)); err != nil {
		return err
	}
	for _, snap := range devices {
		line := formatEntry(snap)
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatEntry(snap Snapshot) string {
	d := snap.Descriptor

	var res strings.Builder
	for _, r := range d.Resources {
		res.WriteString(r.String())
		res.WriteByte(' ')
	}
	var caps strings.Builder
	for _, c := range d.Capabilities {
		caps.WriteString(c.String())
		caps.WriteByte(' ')
	}

	driver := "no"
	if snap.HasDriver {
		driver = "yes"
	}

	return fmt.Sprintf(" - id=%3d %04x:%04x | %s | %s | %scaps=%sdriver=%s",
		snap.ID,
		d.VendorID,
		d.DeviceID,
		pad(ClassName(d.Class, d.Subclass, d.ProgIF), listClassWidth),
		pad(ansi.Truncate(d.Description, listDescWidth, "..."), listDescWidth),
		res.String(),
		caps.String(),
		driver,
	)
}

func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
