package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/alarmbot/homewatch/internal/alarm"
)

var keypadMessages = []string{
	ReadyMessage,
	"ARMED ***STAY***",
	"ARMED ***AWAY***",
	"FAULT 03 FRONT DOOR",
	"FAULT 07 GARAGE",
	"May Exit Now",
	"AC LOSS",
}

// Generator publishes random keypad activity to a Panel.
type Generator struct {
	panel    *Panel
	interval time.Duration
	rng      *rand.Rand
}

// NewGenerator creates a generator. A zero seed uses the current time.
func NewGenerator(panel *Panel, interval time.Duration, seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		panel:    panel,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next produces one random event.
func (g *Generator) Next() alarm.Event {
	msg := keypadMessages[g.rng.Intn(len(keypadMessages))]
	e := alarm.Event{
		KeypadMessage: msg,
		ACPower:       msg != "AC LOSS",
		Ready:         msg == ReadyMessage,
		ArmedHome:     msg == "ARMED ***STAY***",
		ArmedAway:     msg == "ARMED ***AWAY***",
		AlarmSounding: g.rng.Float64() < 0.1,
		Fire:          g.rng.Float64() < 0.1,
	}
	if zone, ok := strings.CutPrefix(msg, "FAULT "); ok {
		e.Zone = zone[:2]
	}
	if e.AlarmSounding || e.Fire {
		e.Beeps = 1 + g.rng.Intn(3)
		e.AlarmHasOccured = true
	}
	e.RawData = fmt.Sprintf("[%07d],%s,\"%s\"", g.rng.Intn(10000000), e.Zone, msg)
	return e
}

// Run publishes an event every interval until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.panel.Publish(g.Next())
		}
	}
}
