package testutil

import (
	"fmt"
	"sync"

	"github.com/lsst-sqre/exposurelog/internal/message"
)

// SequentialIDs generates "<prefix>-0001", "<prefix>-0002", ... and never
// runs out. Ids sort in generation order, like UUIDv7.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate implements message.IDGenerator.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Fields returns valid message content for LATISS exposure
// AT_O_20240315_<seq>. Callers override what the test cares about.
func Fields(seqNum int, text string) message.Fields {
	return message.Fields{
		SiteID:      "test",
		ObsID:       fmt.Sprintf("AT_O_20240315_%06d", seqNum),
		Instrument:  "LATISS",
		DayObs:      20240315,
		SeqNum:      seqNum,
		MessageText: text,
		Level:       message.DefaultLevel,
		UserID:      "test_user",
		UserAgent:   "go-test",
		IsHuman:     true,
	}
}
