// Package gate bounds the number of concurrent realtime sessions the backend
// will mint tokens for. The counter is advisory throttling, not a security
// boundary: it lives in process memory, resets on restart, and any caller may
// release a slot.
package gate

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/shared"
)

const DefaultMaxSessions = 20

type Gate struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	active int
	max    int
}

func New(logger shared.LoggerAdapter, max int) *Gate {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Gate{logger: logger, max: max}
}

// Full reports whether every slot is taken. Token issuance checks this before
// calling the vendor so an overloaded backend never spends an upstream request.
func (g *Gate) Full() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active >= g.max
}

// Acquire takes a slot after a successful vendor response and returns a lease
// id used only for log correlation. The Full check and Acquire are deliberately
// not one atomic step; concurrent requests racing past the check is accepted
// since the gate is an approximate throttle.
func (g *Gate) Acquire() string {
	g.mu.Lock()
	g.active++
	active := g.active
	g.mu.Unlock()
	lease := uuid.NewString()
	g.logger.Info("session slot acquired",
		zap.String("lease", lease),
		zap.Int("active", active),
		zap.Int("max", g.max),
	)
	return lease
}

// Release frees a slot, floored at zero so excess /end calls never drive the
// counter negative.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	active := g.active
	g.mu.Unlock()
	g.logger.Info("session slot released", zap.Int("active", active))
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Gate) Max() int {
	return g.max
}
