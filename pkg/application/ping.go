package application

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
	"team21/psim/pkg/transport_layer"
	"team21/psim/pkg/worker"
)

type PingOptions struct {
	Target   netip.Addr
	Count    int
	Size     int
	Timeout  time.Duration
	Interval time.Duration
	// TTL of 0 uses the device default.
	TTL int
}

type Stats struct {
	Sent     int
	Received int
	// Errors counts ICMP error messages answering our requests.
	Errors  int
	Loss    int
	Success int
	RTTs    []time.Duration
	Min     time.Duration
	Avg     time.Duration
	Max     time.Duration
	Total   time.Duration
	Elapsed time.Duration
}

func (s *Stats) compute() {
	if len(s.RTTs) > 0 {
		s.Min, s.Max = s.RTTs[0], s.RTTs[0]
		var sum time.Duration
		for _, d := range s.RTTs {
			if d < s.Min {
				s.Min = d
			}
			if d > s.Max {
				s.Max = d
			}
			sum += d
		}
		s.Total = sum
		s.Avg = sum / time.Duration(len(s.RTTs))
	}
	if s.Sent > 0 {
		s.Loss = 100 - int(float32(s.Received)/float32(s.Sent)*100)
		s.Success = 100 - s.Loss
	}
}

// Reply is one answer to an echo request.
type Reply struct {
	From netip.Addr
	Seq  int
	TTL  int
	RTT  time.Duration
	// Type is EchoReply or an error type.
	Type header.ICMPv4Type
	Code uint8
}

// PingFormatter renders ping output in the style of one platform.
type PingFormatter interface {
	Start(w io.Writer, opts PingOptions)
	Reply(w io.Writer, opts PingOptions, r Reply)
	Lost(w io.Writer, seq int)
	Summary(w io.Writer, opts PingOptions, s Stats)
}

// PingApplication sends Count echo requests Interval apart and waits up to
// Timeout for the answers. Replies are handled on the application's own
// worker so the IP layer never waits for it.
type PingApplication struct {
	transport *transport_layer.TransportLayer
	opts      PingOptions
	format    PingFormatter
	logger    *logrus.Entry

	outMutex sync.Mutex
	out      io.Writer

	buffer *common.SyncQueue[*common.IpPacket]
	worker *worker.Worker
	port   int

	mutex      sync.Mutex
	timestamps map[int]time.Time
	answered   map[int]bool
	stats      Stats
	sentAll    bool
	done       chan struct{}
	closed     bool
}

func NewPingApplication(device string, transport *transport_layer.TransportLayer, opts PingOptions, format PingFormatter, out io.Writer) *PingApplication {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	return &PingApplication{
		transport:  transport,
		opts:       opts,
		format:     format,
		out:        out,
		logger:     log.Component(device, "ping"),
		buffer:     common.NewSyncQueue[*common.IpPacket](),
		timestamps: make(map[int]time.Time),
		answered:   make(map[int]bool),
		done:       make(chan struct{}),
	}
}

func (p *PingApplication) Name() string { return "ping" }

func (p *PingApplication) Port() int { return p.port }

// ReceivePacket runs on the IP layer's worker.
func (p *PingApplication) ReceivePacket(packet *common.IpPacket) {
	p.buffer.Push(packet)
	p.worker.Wake()
}

// Run pings the target and returns the statistics once every request was
// answered, the timeout passed, or ctx was cancelled.
func (p *PingApplication) Run(ctx context.Context) Stats {
	p.worker = worker.New("ping", p, p.logger)
	defer p.worker.Stop()
	p.port = p.transport.RegisterApplication(p)
	defer p.transport.UnregisterApplication(p.port)

	start := time.Now()
	p.write(func(w io.Writer) { p.format.Start(w, p.opts) })

	icmp := p.transport.IcmpHandler()
	for seq := 1; seq <= p.opts.Count; seq++ {
		p.mutex.Lock()
		p.timestamps[seq] = time.Now()
		p.stats.Sent++
		p.sentAll = seq == p.opts.Count
		p.mutex.Unlock()

		p.logger.WithField("seq", seq).Debug("sending echo request")
		icmp.SendRequest(p.opts.Target, p.opts.TTL, seq, p.port, p.opts.Size)

		if seq == p.opts.Count {
			break
		}
		select {
		case <-ctx.Done():
			return p.finish(start)
		case <-time.After(p.opts.Interval):
		}
	}

	p.checkDone()
	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return p.finish(start)
}

func (p *PingApplication) finish(start time.Time) Stats {
	p.worker.Stop()

	p.mutex.Lock()
	p.closed = true
	var lost []int
	for seq := 1; seq <= p.stats.Sent; seq++ {
		if !p.answered[seq] {
			lost = append(lost, seq)
		}
	}
	p.stats.Elapsed = time.Since(start)
	p.stats.compute()
	stats := p.stats
	stats.RTTs = append([]time.Duration(nil), p.stats.RTTs...)
	p.mutex.Unlock()

	p.write(func(w io.Writer) {
		for _, seq := range lost {
			p.format.Lost(w, seq)
		}
		p.format.Summary(w, p.opts, stats)
	})
	return stats
}

func (p *PingApplication) DoMyWork() {
	for {
		packet, ok := p.buffer.Pop()
		if !ok {
			return
		}
		p.handlePacket(packet)
	}
}

func (p *PingApplication) handlePacket(packet *common.IpPacket) {
	icmp, ok := packet.Data.(*common.IcmpPacket)
	if !ok {
		p.logger.Warn("non-ICMP packet dropped")
		return
	}
	_, seq, ok := transport_layer.EchoOf(icmp)
	if !ok {
		return
	}

	p.mutex.Lock()
	sentAt, known := p.timestamps[seq]
	delete(p.timestamps, seq)
	if !known || p.closed {
		p.mutex.Unlock()
		p.logger.WithField("seq", seq).Debug("unexpected echo answer dropped")
		return
	}
	rtt := time.Since(sentAt)
	if rtt > p.opts.Timeout {
		p.mutex.Unlock()
		p.logger.WithField("seq", seq).Debug("answer arrived after timeout")
		return
	}
	p.answered[seq] = true
	if icmp.IsError() {
		p.stats.Errors++
	} else {
		p.stats.Received++
		p.stats.RTTs = append(p.stats.RTTs, rtt)
	}
	p.mutex.Unlock()

	p.write(func(w io.Writer) {
		p.format.Reply(w, p.opts, Reply{
			From: packet.Header.Src,
			Seq:  seq,
			TTL:  packet.Header.TTL,
			RTT:  rtt,
			Type: icmp.Type,
			Code: icmp.Code,
		})
	})
	p.checkDone()
}

// checkDone closes done once every request has been sent and answered.
func (p *PingApplication) checkDone() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.sentAll && len(p.timestamps) == 0 {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
}

func (p *PingApplication) write(f func(w io.Writer)) {
	if p.out == nil {
		return
	}
	p.outMutex.Lock()
	defer p.outMutex.Unlock()
	f(p.out)
}
