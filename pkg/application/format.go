package application

import (
	"fmt"
	"io"
	"time"

	"github.com/google/netstack/tcpip/header"

	"team21/psim/pkg/common"
)

// FormatterFor picks the output style of a platform.
func FormatterFor(platform common.Platform) PingFormatter {
	if platform == common.PlatformCisco {
		return CiscoFormatter{}
	}
	return LinuxFormatter{}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type LinuxFormatter struct{}

func (LinuxFormatter) Start(w io.Writer, o PingOptions) {
	fmt.Fprintf(w, "PING %s (%s) %d(%d) bytes of data.\n", o.Target, o.Target, o.Size, o.Size+28)
}

func (LinuxFormatter) Reply(w io.Writer, o PingOptions, r Reply) {
	switch r.Type {
	case header.ICMPv4EchoReply:
		fmt.Fprintf(w, "%d bytes from %s: icmp_seq=%d ttl=%d time=%.2f ms\n", o.Size+8, r.From, r.Seq, r.TTL, millis(r.RTT))
	case header.ICMPv4DstUnreachable:
		msg := "Destination Host Unreachable"
		if r.Code == common.IcmpCodeNetUnreachable {
			msg = "Destination Net Unreachable"
		}
		fmt.Fprintf(w, "From %s icmp_seq=%d %s\n", r.From, r.Seq, msg)
	case header.ICMPv4TimeExceeded:
		fmt.Fprintf(w, "From %s icmp_seq=%d Time to live exceeded\n", r.From, r.Seq)
	}
}

func (LinuxFormatter) Lost(io.Writer, int) {}

func (LinuxFormatter) Summary(w io.Writer, o PingOptions, s Stats) {
	fmt.Fprintf(w, "\n--- %s ping statistics ---\n", o.Target)
	fmt.Fprintf(w, "%d packets transmitted, %d received, ", s.Sent, s.Received)
	if s.Errors > 0 {
		fmt.Fprintf(w, "+%d errors, ", s.Errors)
	}
	fmt.Fprintf(w, "%d%% packet loss, time %dms\n", s.Loss, s.Elapsed.Milliseconds())
	if s.Received > 0 {
		fmt.Fprintf(w, "rtt min/avg/max = %.3f/%.3f/%.3f ms\n", millis(s.Min), millis(s.Avg), millis(s.Max))
	}
}

type CiscoFormatter struct{}

func (CiscoFormatter) Start(w io.Writer, o PingOptions) {
	fmt.Fprintf(w, "Type escape sequence to abort.\n")
	fmt.Fprintf(w, "Sending %d, %d-byte ICMP Echos to %s, timeout is %d seconds:\n",
		o.Count, o.Size, o.Target, int(o.Timeout/time.Second))
}

func (CiscoFormatter) Reply(w io.Writer, _ PingOptions, r Reply) {
	switch r.Type {
	case header.ICMPv4EchoReply:
		fmt.Fprint(w, "!")
	case header.ICMPv4DstUnreachable:
		fmt.Fprint(w, "U")
	case header.ICMPv4TimeExceeded:
		fmt.Fprint(w, "&")
	}
}

func (CiscoFormatter) Lost(w io.Writer, _ int) {
	fmt.Fprint(w, ".")
}

func (CiscoFormatter) Summary(w io.Writer, _ PingOptions, s Stats) {
	fmt.Fprintf(w, "\nSuccess rate is %d percent (%d/%d)", s.Success, s.Received, s.Sent)
	if s.Received > 0 {
		fmt.Fprintf(w, ", round-trip min/avg/max = %d/%d/%d ms",
			s.Min.Milliseconds(), s.Avg.Milliseconds(), s.Max.Milliseconds())
	}
	fmt.Fprintln(w)
}
