package usrp

import (
	"fmt"
	"strings"
)

// CommandKind distinguishes the stream commands the control port accepts.
type CommandKind uint8

// The four command kinds, in their CMD register encoding.
const (
	KindNone CommandKind = iota
	KindFinite
	KindContinuous
	KindStop
)

func (k CommandKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFinite:
		return "finite"
	case KindContinuous:
		return "continuous"
	case KindStop:
		return "stop"
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// ParseCommandKind converts the name used by control clients to a
// CommandKind.
func ParseCommandKind(name string) (CommandKind, error) {
	switch strings.ToLower(name) {
	case "none":
		return KindNone, nil
	case "finite":
		return KindFinite, nil
	case "continuous":
		return KindContinuous, nil
	case "stop":
		return KindStop, nil
	}
	return KindNone, fmt.Errorf("unknown command kind %q", name)
}

// Command is one decoded stream command, assembled from the staged
// register fields at the moment a CMD write commits them. Time is
// meaningful only when Timed is set; NumWords only for KindFinite.
type Command struct {
	Kind     CommandKind
	Timed    bool
	Time     TimeTag
	NumWords uint64
}

// commandLatch holds at most one outstanding command. It accepts or
// drops each committed CMD write:
//
//  1. not active: latch the command, set active (and stop at once if
//     the command is a stop);
//  2. active and the write is a stop: set the stop flag, leaving the
//     latched command fields alone (always honored);
//  3. active and the write is not a stop: drop it silently;
//  4. completion from the acquisition engine: clear active and stop.
//
// There is no queue. Callers poll the busy bit before issuing a new
// acquisition; a command dropped by rule 3 leaves no trace beyond the
// CMD register's readback value.
type commandLatch struct {
	active bool
	stop   bool
	cmd    Command
}

// offer applies rules 1-3 to one committed command. It reports whether
// the write changed the latch (false means dropped).
func (l *commandLatch) offer(c Command) bool {
	if !l.active {
		l.cmd = c
		l.active = true
		l.stop = c.Kind == KindStop
		return true
	}
	if c.Kind == KindStop {
		l.stop = true
		return true
	}
	return false
}

// complete is rule 4, signaled by the engine when a command finishes
// for any reason.
func (l *commandLatch) complete() {
	l.active = false
	l.stop = false
}

func (l *commandLatch) isActive() bool      { return l.active }
func (l *commandLatch) stopRequested() bool { return l.stop }
func (l *commandLatch) command() Command    { return l.cmd }

func (l *commandLatch) reset() { *l = commandLatch{} }
