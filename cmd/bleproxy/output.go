package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"golang.org/x/term"
)

const timeLayout = "15:04:05.000"

// useColor reports whether out is a terminal that should get colored output
func useColor(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// eventPrinter writes GATT events one per line, as text or JSON lines
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool

	ok, warn, fail, data *color.Color
}

func newEventPrinter(out io.Writer, asJSON, colored bool) *eventPrinter {
	p := &eventPrinter{
		out:    out,
		asJSON: asJSON,
		ok:     color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		fail:   color.New(color.FgRed, color.Bold),
		data:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.fail, p.data} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Print writes ev; used as an events.Handler
func (p *eventPrinter) Print(ev events.GattEvent) {
	line := p.Format(ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// Format renders ev as a single line
func (p *eventPrinter) Format(ev events.GattEvent) string {
	if p.asJSON {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return string(b)
	}

	ts := time.UnixMicro(ev.TsUs).Format(timeLayout)
	head := fmt.Sprintf("%s #%d %s", ts, ev.Seq, ev.Address)
	kind := ev.Kind.String()

	switch ev.Kind {
	case events.KindConnected, events.KindServicesDiscovered:
		return fmt.Sprintf("%s %s", head, p.ok.Sprint(kind))
	case events.KindDisconnected:
		return fmt.Sprintf("%s %s", head, p.warn.Sprint(kind))
	case events.KindConnectTimeout:
		return fmt.Sprintf("%s %s", head, p.fail.Sprint(kind))
	case events.KindConnectError:
		return fmt.Sprintf("%s %s code=%d state=%s", head, p.fail.Sprint(kind), ev.Code, device.ConnectionState(ev.State))
	case events.KindCharacteristicChanged:
		return fmt.Sprintf("%s %s %s/%s [%d] %s", head, kind, ev.ServiceID, ev.CharID, ev.PayloadLen(), p.data.Sprint(formatPayload(ev.Payload())))
	case events.KindCharacteristicRead:
		if !ev.OK() {
			return fmt.Sprintf("%s %s %s/%s %s", head, kind, ev.ServiceID, ev.CharID, p.fail.Sprintf("status=%d", ev.Status))
		}
		return fmt.Sprintf("%s %s %s/%s [%d] %s", head, kind, ev.ServiceID, ev.CharID, ev.PayloadLen(), p.data.Sprint(formatPayload(ev.Payload())))
	case events.KindCharacteristicWrite:
		return fmt.Sprintf("%s %s %s/%s %s", head, kind, ev.ServiceID, ev.CharID, p.status(ev))
	case events.KindMtuChanged:
		return fmt.Sprintf("%s %s mtu=%d %s", head, kind, ev.MTU, p.status(ev))
	default:
		return fmt.Sprintf("%s %s", head, kind)
	}
}

func (p *eventPrinter) status(ev events.GattEvent) string {
	if ev.OK() {
		return p.ok.Sprint("ok")
	}
	return p.fail.Sprintf("status=%d", ev.Status)
}

// formatPayload renders bytes as hex, followed by the text when it is printable
func formatPayload(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	hex := fmt.Sprintf("% X", b)
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return hex
		}
	}
	return fmt.Sprintf("%s %q", hex, string(b))
}

// writeDeviceTable prints scan results in first-seen order
func writeDeviceTable(out io.Writer, recs []*device.DeviceRecord, now time.Time) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tOAD\tSERVICES\tLAST SEEN")
	for _, rec := range recs {
		name := rec.DisplayName
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(rec.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		if services == "" {
			services = "-"
		}
		oad := "no"
		if rec.OADCapable {
			oad = "yes"
		}
		lastSeen := now.Sub(rec.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, rec.Address, rec.RSSI, oad, services, lastSeen)
	}
	return w.Flush()
}

func writeDeviceJSON(out io.Writer, recs []*device.DeviceRecord) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if recs == nil {
		recs = []*device.DeviceRecord{}
	}
	return enc.Encode(recs)
}
