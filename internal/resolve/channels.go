// Package resolve decides which channels are carried forward and maps selected
// z-planes to their output paths.
package resolve

import (
	"fmt"

	"bestfocus/internal/arrange"
)

// DefaultIgnored are channel names dropped from the output unless they are the
// reference channel.
var DefaultIgnored = []string{"Blank", "Empty", "DAPI"}

// Reference identifies the one channel that is always kept as the stitching reference.
type Reference struct {
	Cycle int
	Local int
	Name  string
}

// DefaultReference is the first channel of the first cycle when it is named DAPI.
var DefaultReference = Reference{Cycle: 1, Local: 1, Name: "DAPI"}

// ChannelRule decides channel inclusion.
type ChannelRule struct {
	Ignored   map[string]struct{}
	Reference Reference
}

// NewRule builds a rule from a list of ignored names.
func NewRule(ignored []string, ref Reference) ChannelRule {
	set := make(map[string]struct{}, len(ignored))
	for _, n := range ignored {
		set[n] = struct{}{}
	}
	return ChannelRule{Ignored: set, Reference: ref}
}

// DefaultRule ignores Blank, Empty and DAPI except cycle 1 / channel 1 DAPI.
func DefaultRule() ChannelRule {
	return NewRule(DefaultIgnored, DefaultReference)
}

// Include reports whether a channel is kept and whether it is the reference channel.
func (r ChannelRule) Include(cycle, local int, name string) (keep, reference bool) {
	if cycle == r.Reference.Cycle && local == r.Reference.Local && name == r.Reference.Name {
		return true, true
	}
	if _, ignored := r.Ignored[name]; ignored {
		return false, false
	}
	return true, false
}

// PartitionChannelNames splits the flat submission channel list into per-cycle slices
// of perCycle names; the last cycle may be short.
func PartitionChannelNames(names []string, perCycle int) (map[int][]string, error) {
	if perCycle < 1 {
		return nil, fmt.Errorf("channels per cycle must be >= 1, got %d", perCycle)
	}
	out := make(map[int][]string)
	for start, cycle := 0, 1; start < len(names); start, cycle = start+perCycle, cycle+1 {
		end := min(start+perCycle, len(names))
		out[cycle] = names[start:end]
	}
	return out, nil
}

// ChannelPlan is one channel of one cycle that will be written.
type ChannelPlan struct {
	Cycle     int
	Local     int
	Name      string
	Global    int
	Output    int
	Reference bool
}

// MissingChannelNameError reports a channel on disk with no submitted name.
type MissingChannelNameError struct {
	Cycle   int
	Channel int
	Names   int
}

func (e *MissingChannelNameError) Error() string {
	return fmt.Sprintf("cycle %d channel %d has no name (cycle lists %d names)", e.Cycle, e.Channel, e.Names)
}

// PlanChannels walks cycles and their channels in order and numbers the kept channels
// sequentially from 1. Skipped channels do not take an output number.
func PlanChannels(a *arrange.Arrangement, names map[int][]string, rule ChannelRule, perCycle int) ([]ChannelPlan, error) {
	var plans []ChannelPlan
	next := 1
	for _, cycle := range a.Cycles() {
		cycleNames := names[cycle]
		for _, local := range a.Channels(cycle) {
			if local < 1 || local > len(cycleNames) {
				return nil, &MissingChannelNameError{Cycle: cycle, Channel: local, Names: len(cycleNames)}
			}
			name := cycleNames[local-1]
			keep, ref := rule.Include(cycle, local, name)
			if !keep {
				continue
			}
			plans = append(plans, ChannelPlan{
				Cycle:     cycle,
				Local:     local,
				Name:      name,
				Global:    (cycle-1)*perCycle + local,
				Output:    next,
				Reference: ref,
			})
			next++
		}
	}
	return plans, nil
}
