package swap

import (
	"fmt"
	"time"
)

// DeadlineKind tells how a deadline is measured on its ledger.
type DeadlineKind string

const (
	DeadlineTime   DeadlineKind = "time"
	DeadlineHeight DeadlineKind = "height"
)

// Deadline is a point on one ledger, either a unix timestamp in seconds or a
// block height.
type Deadline struct {
	Kind  DeadlineKind `json:"kind"`
	Value uint64       `json:"value"`
}

func TimeDeadline(t time.Time) Deadline {
	return Deadline{Kind: DeadlineTime, Value: uint64(t.Unix())}
}

func HeightDeadline(h uint64) Deadline {
	return Deadline{Kind: DeadlineHeight, Value: h}
}

// ReachedAt reports whether the deadline has passed given a ledger head.
// Time deadlines are compared with the ledger's own block time.
func (d Deadline) ReachedAt(height uint64, blockTime time.Time) bool {
	switch d.Kind {
	case DeadlineHeight:
		return height >= d.Value
	default:
		return blockTime.Unix() >= int64(d.Value)
	}
}

func (d Deadline) Before(o Deadline) bool {
	return d.Value < o.Value
}

func (d Deadline) String() string {
	if d.Kind == DeadlineHeight {
		return fmt.Sprintf("height:%d", d.Value)
	}
	return time.Unix(int64(d.Value), 0).UTC().Format(time.RFC3339)
}

// Clock converts between heights and wall-clock time on one ledger using a
// reference block and an average block interval.
type Clock struct {
	Kind          DeadlineKind
	RefHeight     uint64
	RefTime       time.Time
	BlockInterval time.Duration
}

// TimeOf estimates when a deadline is reached.
func (c Clock) TimeOf(d Deadline) time.Time {
	if d.Kind != DeadlineHeight {
		return time.Unix(int64(d.Value), 0)
	}
	if c.BlockInterval <= 0 {
		return c.RefTime
	}
	delta := int64(d.Value) - int64(c.RefHeight)
	return c.RefTime.Add(time.Duration(delta) * c.BlockInterval)
}

// HeightAt estimates the first height whose block is at or after t.
func (c Clock) HeightAt(t time.Time) uint64 {
	if c.BlockInterval <= 0 || !t.After(c.RefTime) {
		return c.RefHeight
	}
	d := t.Sub(c.RefTime)
	blocks := uint64(d / c.BlockInterval)
	if d%c.BlockInterval != 0 {
		blocks++
	}
	return c.RefHeight + blocks
}

// DeadlineAt expresses t in the clock's native kind.
func (c Clock) DeadlineAt(t time.Time) Deadline {
	if c.Kind == DeadlineHeight {
		return HeightDeadline(c.HeightAt(t))
	}
	return TimeDeadline(t)
}

// Schedule holds the four deadlines of a swap. Destination deadlines are
// enforced by the destination ledger, source deadlines by the source ledger.
type Schedule struct {
	DstWithdraw Deadline `json:"dst_withdraw"`
	DstCancel   Deadline `json:"dst_cancel"`
	SrcWithdraw Deadline `json:"src_withdraw"`
	SrcCancel   Deadline `json:"src_cancel"`
}

// TimelockOffsets are schedule deadlines relative to the moment a swap is
// accepted.
type TimelockOffsets struct {
	DstWithdraw time.Duration `yaml:"dst_withdraw" default:"0s"`
	DstCancel   time.Duration `yaml:"dst_cancel" default:"30m"`
	SrcWithdraw time.Duration `yaml:"src_withdraw" default:"45m"`
	SrcCancel   time.Duration `yaml:"src_cancel" default:"2h"`
}

// NewSchedule derives absolute deadlines from offsets.
func NewSchedule(now time.Time, off TimelockOffsets, src, dst Clock) Schedule {
	return Schedule{
		DstWithdraw: dst.DeadlineAt(now.Add(off.DstWithdraw)),
		DstCancel:   dst.DeadlineAt(now.Add(off.DstCancel)),
		SrcWithdraw: src.DeadlineAt(now.Add(off.SrcWithdraw)),
		SrcCancel:   src.DeadlineAt(now.Add(off.SrcCancel)),
	}
}

// Validate enforces the ordering invariant of the schedule:
// dstWithdraw < dstCancel, srcWithdraw < srcCancel and
// dstCancel + margin <= srcWithdraw.
func (s Schedule) Validate(src, dst Clock, margin time.Duration) error {
	if s.DstWithdraw.Kind != s.DstCancel.Kind || s.SrcWithdraw.Kind != s.SrcCancel.Kind {
		return &TimelockViolationError{Reason: "mixed deadline kinds on one ledger"}
	}
	if !s.DstWithdraw.Before(s.DstCancel) {
		return &TimelockViolationError{Reason: fmt.Sprintf("dst withdraw %s not before dst cancel %s", s.DstWithdraw, s.DstCancel)}
	}
	if !s.SrcWithdraw.Before(s.SrcCancel) {
		return &TimelockViolationError{Reason: fmt.Sprintf("src withdraw %s not before src cancel %s", s.SrcWithdraw, s.SrcCancel)}
	}
	dstCancel := dst.TimeOf(s.DstCancel)
	srcWithdraw := src.TimeOf(s.SrcWithdraw)
	if dstCancel.Add(margin).After(srcWithdraw) {
		return &TimelockViolationError{Reason: fmt.Sprintf(
			"dst cancel %s plus margin %s exceeds src withdraw %s", s.DstCancel, margin, s.SrcWithdraw)}
	}
	return nil
}

// Window is a half-open interval [Open, Close) on one ledger.
type Window struct {
	Open  Deadline
	Close Deadline
}

func (s Schedule) SourceWindow() Window      { return Window{Open: s.SrcWithdraw, Close: s.SrcCancel} }
func (s Schedule) DestinationWindow() Window { return Window{Open: s.DstWithdraw, Close: s.DstCancel} }

// OpenAt reports whether the window is open at the given head.
func (w Window) OpenAt(height uint64, t time.Time) bool {
	return w.Open.ReachedAt(height, t) && !w.Close.ReachedAt(height, t)
}
