package olfactoryreaction

import "fmt"

// Stage is the active phase of an experiment cycle.
type Stage int

const (
	StageInit       Stage = iota // session created, nothing presented yet
	StageStart                   // ready to start next cycle
	StageTimeOn                  // waiting for the first scent to turn on
	StageAckOn                   // waiting for participant to notice the first scent
	StageTimeSwitch              // waiting for the channels to switch
	StageAckSwitch               // waiting for participant to notice the switch
	StageTimeOff                 // waiting for the second scent to turn off
	StageAckOff                  // waiting for participant to notice turn off
)

// Trigger is how the machine was advanced.
type Trigger int

const (
	// Timed advances come from the one-shot timer armed on Time* entry.
	Timed Trigger = iota
	// Acknowledged advances come from participant input.
	Acknowledged
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageStart:
		return "start"
	case StageTimeOn:
		return "time_on"
	case StageAckOn:
		return "ack_on"
	case StageTimeSwitch:
		return "time_switch"
	case StageAckSwitch:
		return "ack_switch"
	case StageTimeOff:
		return "time_off"
	case StageAckOff:
		return "ack_off"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// parseStage is the inverse of Stage.String for the eight known stages.
func parseStage(name string) (Stage, bool) {
	for s := StageInit; s <= StageAckOff; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

func (t Trigger) String() string {
	if t == Acknowledged {
		return "acknowledged"
	}
	return "timed"
}

// DisplayText is the instruction shown to the participant while in s.
func (s Stage) DisplayText() string {
	switch s {
	case StageStart:
		return "Click to start next cycle"
	case StageTimeOn, StageAckOn:
		return "Click when you feel the scent"
	case StageTimeSwitch, StageAckSwitch:
		return "Click when you feel the change"
	case StageTimeOff, StageAckOff:
		return "Click when you don't feel the scent"
	default:
		return ""
	}
}

// isTimed reports whether entering s arms the delay timer.
func (s Stage) isTimed() bool {
	return s == StageTimeOn || s == StageTimeSwitch || s == StageTimeOff
}

// nextStage is total over every stage and trigger. An acknowledged advance
// out of a Time* stage skips the Ack* stage that would follow it.
func nextStage(s Stage, t Trigger) Stage {
	switch s {
	case StageInit:
		return StageStart
	case StageStart:
		return StageTimeOn
	case StageTimeOn:
		if t == Timed {
			return StageAckOn
		}
		return StageTimeSwitch
	case StageAckOn:
		return StageTimeSwitch
	case StageTimeSwitch:
		if t == Timed {
			return StageAckSwitch
		}
		return StageTimeOff
	case StageAckSwitch:
		return StageTimeOff
	case StageTimeOff:
		if t == Timed {
			return StageAckOff
		}
		return StageStart
	case StageAckOff:
		return StageStart
	}
	panic(fmt.Sprintf("no transition from %v", s))
}

// exitField is the timing written when leaving s.
func exitField(s Stage) (TimingField, bool) {
	switch s {
	case StageTimeOn:
		return OnWait, true
	case StageAckOn:
		return OnReaction, true
	case StageTimeSwitch:
		return SwitchWait, true
	case StageAckSwitch:
		return SwitchReaction, true
	case StageTimeOff:
		return OffWait, true
	case StageAckOff:
		return OffReaction, true
	}
	return 0, false
}

// prematureField is the reaction marked premature when s is acknowledged
// before its timer elapsed.
func prematureField(s Stage) (TimingField, bool) {
	switch s {
	case StageTimeOn:
		return OnReaction, true
	case StageTimeSwitch:
		return SwitchReaction, true
	case StageTimeOff:
		return OffReaction, true
	}
	return 0, false
}

// stageChannels is the emitter state commanded on entry to s. The
// first-shown scent is on channel 1 unless the trial is reversed.
func stageChannels(s Stage, reversed bool) (ch1, ch2 bool, ok bool) {
	switch s {
	case StageStart, StageTimeOn, StageAckOff:
		return false, false, true
	case StageAckOn, StageTimeSwitch:
		return !reversed, reversed, true
	case StageAckSwitch, StageTimeOff:
		return reversed, !reversed, true
	}
	return false, false, false
}
