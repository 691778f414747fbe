// Package hlc implements the Hybrid Logical Clock used to order concurrent
// column writes across devices. A Clock is cheap to construct and safe for
// concurrent use; the engine holds exactly one per open vault.
package hlc

import (
	"fmt"
	"sync"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// wallWidth/logicalWidth bound the zero-padded decimal widths used by the
// string encoding so that byte-lexicographic order equals numeric order.
// 19 digits covers int64 nanoseconds (~292 years from the epoch); 10 digits
// of logical counter is far beyond any plausible same-nanosecond burst.
const (
	wallWidth    = 19
	logicalWidth = 10
)

// Timestamp is a decoded HLC value: wall-clock nanoseconds, a logical
// counter that breaks ties within the same wall tick, and the originating
// node (device) id used as the final tiebreak.
type Timestamp struct {
	Wall    int64
	Logical uint64
	Node    model.DeviceId
}

// Clock is a monotonic, per-process Hybrid Logical Clock.
type Clock struct {
	mu     sync.Mutex
	last   Timestamp
	nodeID model.DeviceId
	nowFn  func() time.Time
}

// New constructs a Clock for the given node (device) id. nowFn defaults to
// time.Now and is overridable for deterministic tests.
func New(nodeID model.DeviceId, nowFn func() time.Time) *Clock {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Clock{
		nodeID: nodeID,
		nowFn:  nowFn,
		last:   Timestamp{Wall: 0, Logical: 0, Node: nodeID},
	}
}

// Now returns a fresh HLC strictly greater than every previously returned or
// observed timestamp on this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowFn().UnixNano()
	if wall > c.last.Wall {
		c.last = Timestamp{Wall: wall, Logical: 0, Node: c.nodeID}
	} else {
		c.last = Timestamp{Wall: c.last.Wall, Logical: c.last.Logical + 1, Node: c.nodeID}
	}
	return c.last
}

// Observe folds a remote timestamp into the clock: local becomes the
// componentwise max of (local, remote), then the logical counter advances
// by one so the next Now() is strictly newer than what was just observed.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowFn().UnixNano()
	merged := c.last
	if remote.Wall > merged.Wall || (remote.Wall == merged.Wall && remote.Logical > merged.Logical) {
		merged = Timestamp{Wall: remote.Wall, Logical: remote.Logical, Node: c.nodeID}
	}
	if wall > merged.Wall {
		merged = Timestamp{Wall: wall, Logical: 0, Node: c.nodeID}
	} else {
		merged.Logical++
	}
	c.last = merged
	return c.last
}

// Peek returns the last timestamp this clock produced or observed, without
// advancing it.
func (c *Clock) Peek() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Encode renders a Timestamp as the fixed-width, byte-lex-ordered string
// "<wall_ns_padded>-<logical_padded>-<node_id>".
func Encode(ts Timestamp) model.HLCString {
	return model.HLCString(fmt.Sprintf("%0*d-%0*d-%s", wallWidth, ts.Wall, logicalWidth, ts.Logical, ts.Node))
}

// String renders the clock's current timestamp.
func (ts Timestamp) String() model.HLCString {
	return Encode(ts)
}

// Decode parses the fixed-width string encoding back into a Timestamp.
func Decode(s model.HLCString) (Timestamp, error) {
	raw := string(s)
	if len(raw) < wallWidth+1+logicalWidth+1+1 {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", raw)
	}
	wallPart := raw[:wallWidth]
	rest := raw[wallWidth:]
	if len(rest) == 0 || rest[0] != '-' {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", raw)
	}
	rest = rest[1:]
	if len(rest) < logicalWidth+1 {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", raw)
	}
	logicalPart := rest[:logicalWidth]
	rest = rest[logicalWidth:]
	if len(rest) == 0 || rest[0] != '-' {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", raw)
	}
	node := rest[1:]

	var wall int64
	if _, err := fmt.Sscanf(wallPart, "%d", &wall); err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed wall component %q: %w", wallPart, err)
	}
	var logical uint64
	if _, err := fmt.Sscanf(logicalPart, "%d", &logical); err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed logical component %q: %w", logicalPart, err)
	}

	return Timestamp{Wall: wall, Logical: logical, Node: model.DeviceId(node)}, nil
}

// Compare orders two encoded timestamps by plain string comparison, which
// equals logical order given the fixed-width encoding above.
func Compare(a, b model.HLCString) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// After reports whether a is strictly newer than b.
func After(a, b model.HLCString) bool {
	return Compare(a, b) > 0
}
