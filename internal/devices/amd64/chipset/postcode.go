package chipset

import (
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

// PostCodePort is the diagnostic port, also used as an I/O delay.
const PostCodePort uint16 = 0x80

// PostCode latches bytes written to the POST diagnostic port.
type PostCode struct {
	mu     sync.Mutex
	last   byte
	writes uint64
}

func NewPostCode() *PostCode { return &PostCode{} }

func (p *PostCode) Start() error { return nil }
func (p *PostCode) Stop() error  { return nil }

func (p *PostCode) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last, p.writes = 0, 0
	return nil
}

func (p *PostCode) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{Ports: []uint16{PostCodePort}, Handler: p}
}

func (p *PostCode) SupportsMmio() *cs.MmioIntercept { return nil }

// Last returns the most recent byte and the number of writes seen.
func (p *PostCode) Last() (byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.writes
}

func (p *PostCode) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
	return nil
}

func (p *PostCode) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = data[len(data)-1]
	p.writes++
	return nil
}

var _ cs.ChipsetDevice = (*PostCode)(nil)
