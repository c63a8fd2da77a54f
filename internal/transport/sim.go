package transport

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/kelly"
	"github.com/sodovaya/kbledash/internal/link"
)

// SimBMS is an in-process ANT BMS. It answers each command with a generated
// frame, delivered in random fragments the way a BLE stack splits long
// notifications.
type SimBMS struct {
	mu       sync.Mutex
	handler  link.Handler
	open     bool
	t        float64 // virtual time accumulator
	switches map[string]bool
	rng      *rand.Rand

	// MaxChunk caps the fragment size; zero delivers each frame whole.
	MaxChunk int

	// Latency delays each response.
	Latency time.Duration
}

// NewSimBMS creates a simulated BMS with charge and discharge enabled.
func NewSimBMS() *SimBMS {
	return &SimBMS{
		switches: map[string]bool{"charge": true, "discharge": true, "balance": false, "buzzer": true},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		MaxChunk: 20,
		Latency:  10 * time.Millisecond,
	}
}

func (d *SimBMS) Name() string { return "simulated BMS" }

func (d *SimBMS) Open(_ context.Context, h link.Handler) error {
	d.mu.Lock()
	d.handler = h
	d.open = true
	d.mu.Unlock()
	return nil
}

func (d *SimBMS) Close() error {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	return nil
}

// Write accepts one command. Malformed commands are ignored, like the real
// BMS does.
func (d *SimBMS) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return link.ErrNotConnected
	}

	fn, addr, _, err := ant.ParseCommand(p)
	if err != nil {
		return nil
	}

	var resp ant.Frame
	switch fn {
	case ant.FuncStatus:
		resp = ant.EncodeStatus(d.sample())
	case ant.FuncDeviceInfo:
		resp = ant.EncodeDeviceInfo("HW_16S_100A", "ST2.1.8_SIM")
	case ant.FuncWriteRegister:
		if name, on, ok := ant.SwitchForAddress(addr); ok {
			d.switches[name] = on
		}
		resp = ant.NewFrame(ant.FuncWriteRegister, addr, nil)
	default:
		return nil
	}

	go d.deliver(d.handler, d.fragment(resp.Bytes()))
	return nil
}

// fragment splits raw into pieces of 1..MaxChunk bytes. Caller holds mu.
func (d *SimBMS) fragment(raw []byte) [][]byte {
	if d.MaxChunk <= 0 {
		return [][]byte{raw}
	}
	var out [][]byte
	for len(raw) > 0 {
		n := 1 + d.rng.Intn(d.MaxChunk)
		if n > len(raw) {
			n = len(raw)
		}
		out = append(out, raw[:n])
		raw = raw[n:]
	}
	return out
}

func (d *SimBMS) deliver(h link.Handler, chunks [][]byte) {
	if d.Latency > 0 {
		time.Sleep(d.Latency)
	}
	for _, c := range chunks {
		d.mu.Lock()
		open := d.open
		d.mu.Unlock()
		if !open {
			return
		}
		h.OnBytes(c)
	}
}

// sample generates a slowly discharging 13-cell pack. Caller holds mu.
func (d *SimBMS) sample() *ant.Sample {
	d.t += 0.5

	load := 8 + 6*math.Sin(d.t*0.2) + d.rng.Float64()*2 // A drawn
	soc := 90 - math.Mod(d.t*0.01, 60)

	cells := make([]uint16, 13)
	var total float64
	for i := range cells {
		mv := 3300 + soc*6 - load*4 + d.rng.Float64()*6
		cells[i] = uint16(mv)
		total += float64(cells[i])
	}

	return &ant.Sample{
		Voltage:        math.Round(total/10) / 100,
		Current:        -math.Round(load*10) / 10,
		Charge:         40 * soc / 100,
		Capacity:       40,
		CycleCapacity:  1234.5 + d.t*0.01,
		SOC:            int(soc),
		Temperatures:   []float64{24 + math.Round(load/4), math.NaN()},
		MOSTemperature: 30 + int(load/2),
		Switches: map[string]bool{
			"charge":    d.switches["charge"],
			"discharge": d.switches["discharge"],
		},
		CellVoltages: cells,
	}
}

// SimController is an in-process Kelly controller. Each A or B query is
// answered with one packet, as a single notification.
type SimController struct {
	mu      sync.Mutex
	handler link.Handler
	open    bool
	t       float64
	rng     *rand.Rand

	Latency time.Duration
}

// NewSimController creates a simulated controller.
func NewSimController() *SimController {
	return &SimController{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		Latency: 5 * time.Millisecond,
	}
}

func (c *SimController) Name() string { return "simulated controller" }

func (c *SimController) Open(_ context.Context, h link.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.open = true
	c.mu.Unlock()
	return nil
}

func (c *SimController) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

// Write answers QueryA and QueryB; anything else is ignored.
func (c *SimController) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return link.ErrNotConnected
	}
	if len(p) != len(kelly.QueryA) {
		return nil
	}

	var pkt []byte
	switch p[0] {
	case kelly.TypeA:
		c.t += 0.05
		pkt = c.packetA()
	case kelly.TypeB:
		pkt = c.packetB()
	default:
		return nil
	}

	h := c.handler
	go func() {
		if c.Latency > 0 {
			time.Sleep(c.Latency)
		}
		c.mu.Lock()
		open := c.open
		c.mu.Unlock()
		if open {
			h.OnBytes(pkt)
		}
	}()
	return nil
}

// throttle follows a slow accelerate/coast cycle. Caller holds mu.
func (c *SimController) throttle() float64 {
	v := math.Sin(c.t * 0.3)
	return v * v
}

func (c *SimController) packetA() []byte {
	thr := c.throttle()
	p := make([]byte, kelly.PacketSize)
	p[0] = kelly.TypeA
	p[1] = 0x10
	p[2] = byte(thr * 200)      // throttle
	p[5] = 1                    // forward
	p[8] = byte(c.rng.Intn(2))  // hall A
	p[9] = byte(c.rng.Intn(2))  // hall B
	p[10] = byte(c.rng.Intn(2)) // hall C
	p[11] = byte(52 - thr*3)    // battery volts
	p[12] = byte(35 + thr*10)   // motor °C
	p[13] = byte(30 + thr*6)    // controller °C
	p[14], p[15] = 1, 1         // direction setting, actual
	return kelly.Seal(p)
}

func (c *SimController) packetB() []byte {
	rpm := int(c.throttle()*600) + c.rng.Intn(5)
	current := int(c.throttle()*40) + c.rng.Intn(3)
	p := make([]byte, kelly.PacketSize)
	p[0] = kelly.TypeB
	p[1] = 0x10
	p[4], p[5] = byte(rpm/255), byte(rpm%255)
	p[6], p[7] = byte(current/255), byte(current%255)
	return kelly.Seal(p)
}
