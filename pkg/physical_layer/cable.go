package physical_layer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
	"team21/psim/pkg/worker"
)

var ErrPortInUse = errors.New("switchport already has a cable")

// Cable moves frames between its two ports, holding each one for the
// configured delay. It runs on its own worker so the delay only blocks this
// cable.
type Cable struct {
	ID    int
	delay time.Duration

	mutex  sync.RWMutex
	first  *Switchport
	second *Switchport

	// frames dropped because the far end was free
	discarded atomic.Int64

	worker *worker.Worker
	done   chan struct{}
	once   sync.Once
	logger *logrus.Entry
}

func NewCable(id int, delay time.Duration) *Cable {
	c := &Cable{
		ID:     id,
		delay:  delay,
		done:   make(chan struct{}),
		logger: log.GetLogger().WithFields(logrus.Fields{"category": "cable", "cable": id}),
	}
	c.worker = worker.New("cable", c, c.logger)
	return c
}

func (c *Cable) Delay() time.Duration { return c.delay }

// Plug attaches both ends. Either may be nil to leave that end free.
func (c *Cable) Plug(first, second *Switchport) error {
	for _, p := range []*Switchport{first, second} {
		if p != nil {
			if other := p.Cable(); other != nil && other != c {
				return errors.Wrapf(ErrPortInUse, "port %s", p)
			}
		}
	}

	c.mutex.Lock()
	oldFirst, oldSecond := c.first, c.second
	c.first, c.second = first, second
	c.mutex.Unlock()

	for _, p := range []*Switchport{oldFirst, oldSecond} {
		if p != nil && p != first && p != second {
			p.setCable(nil)
		}
	}
	for _, p := range []*Switchport{first, second} {
		if p != nil {
			p.setCable(c)
		}
	}
	c.Wake()
	return nil
}

func (c *Cable) Discarded() int { return int(c.discarded.Load()) }

// Unplug detaches both ends. Frames still waiting in the ports stay there.
func (c *Cable) Unplug() {
	c.mutex.Lock()
	first, second := c.first, c.second
	c.first, c.second = nil, nil
	c.mutex.Unlock()

	for _, p := range []*Switchport{first, second} {
		if p != nil {
			p.setCable(nil)
		}
	}
}

func (c *Cable) Endpoints() (*Switchport, *Switchport) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.first, c.second
}

func (c *Cable) Wake() {
	c.worker.Wake()
}

// DoMyWork keeps moving frames until both ends are empty.
func (c *Cable) DoMyWork() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		first, second := c.Endpoints()
		moved := false
		if first != nil {
			if frame, ok := first.PopPacket(); ok {
				moved = true
				c.transfer(frame, second)
			}
		}
		if second != nil {
			if frame, ok := second.PopPacket(); ok {
				moved = true
				c.transfer(frame, first)
			}
		}
		if !moved {
			return
		}
	}
}

func (c *Cable) transfer(frame *common.EthernetFrame, to *Switchport) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}
	}
	if to == nil {
		c.discarded.Add(1)
		c.logger.WithField("frame", frame).Debug("far end unplugged, frame discarded")
		return
	}
	c.logger.WithFields(logrus.Fields{"frame": frame, "to": to.String()}).Debug("frame delivered")
	to.ReceivePacket(frame)
}

// Close stops the worker. Frames in flight are discarded.
func (c *Cable) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	c.worker.Stop()
}
