package scheduling

import (
	"fmt"
	"sort"
)

// SlotGrid generates the possible windows of a working day.
type SlotGrid struct {
	Granularity int // minutes
	DayStart    TimeOfDay
	DayEnd      TimeOfDay
}

// NewSlotGrid builds a grid from config values such as 30, "09:00", "17:00".
func NewSlotGrid(granularity int, dayStart, dayEnd string) (SlotGrid, error) {
	switch granularity {
	case 15, 30, 60:
	default:
		return SlotGrid{}, fmt.Errorf("granularity must be 15, 30 or 60 minutes, got %d", granularity)
	}
	start, err := ParseTimeOfDay(dayStart)
	if err != nil {
		return SlotGrid{}, err
	}
	end, err := ParseTimeOfDay(dayEnd)
	if err != nil {
		return SlotGrid{}, err
	}
	if end <= start {
		return SlotGrid{}, fmt.Errorf("day end %s must be after day start %s", end, start)
	}
	if int(end-start)%granularity != 0 {
		return SlotGrid{}, fmt.Errorf("working hours %s-%s are not a multiple of %d minutes", start, end, granularity)
	}
	return SlotGrid{Granularity: granularity, DayStart: start, DayEnd: end}, nil
}

// Windows returns [DayStart, DayStart+g), [DayStart+g, DayStart+2g), ... up to DayEnd.
func (g SlotGrid) Windows() [][2]TimeOfDay {
	if g.Granularity <= 0 {
		return nil
	}
	step := TimeOfDay(g.Granularity)
	out := make([][2]TimeOfDay, 0, int(g.DayEnd-g.DayStart)/g.Granularity)
	for t := g.DayStart; t+step <= g.DayEnd; t += step {
		out = append(out, [2]TimeOfDay{t, t + step})
	}
	return out
}

// OnGrid reports whether [start, end) is exactly one of the grid's windows.
func (g SlotGrid) OnGrid(start, end TimeOfDay) bool {
	if g.Granularity <= 0 || start < g.DayStart || end > g.DayEnd {
		return false
	}
	return int(end-start) == g.Granularity && int(start-g.DayStart)%g.Granularity == 0
}

// Availability merges a doctor's stored slots into the grid, one entry per
// weekday in catalog order. Stored slots that are not on the grid (left over
// from a different granularity) are kept, sorted in by start time.
func (g SlotGrid) Availability(slots []*Slot) []DayAvailability {
	type key struct {
		day        Weekday
		start, end TimeOfDay
	}
	stored := make(map[key]*Slot, len(slots))
	for _, sl := range slots {
		stored[key{sl.Day, sl.Start, sl.End}] = sl
	}

	windows := g.Windows()
	out := make([]DayAvailability, 0, len(Weekdays))
	for _, day := range Weekdays {
		da := DayAvailability{Day: day, Windows: make([]Window, 0, len(windows))}
		for _, w := range windows {
			cell := Window{Start: w[0], End: w[1]}
			if sl, ok := stored[key{day, w[0], w[1]}]; ok {
				id := sl.ID
				cell.SlotID = &id
				cell.Available = sl.Available
				delete(stored, key{day, w[0], w[1]})
			}
			da.Windows = append(da.Windows, cell)
		}
		for k, sl := range stored {
			if k.day != day {
				continue
			}
			id := sl.ID
			da.Windows = append(da.Windows, Window{
				Start: sl.Start, End: sl.End, SlotID: &id, Available: sl.Available, OffGrid: true,
			})
		}
		sort.SliceStable(da.Windows, func(i, j int) bool {
			if da.Windows[i].Start != da.Windows[j].Start {
				return da.Windows[i].Start < da.Windows[j].Start
			}
			return da.Windows[i].End < da.Windows[j].End
		})
		out = append(out, da)
	}
	return out
}

// sortSlots orders slots by weekday, then start and end time.
func sortSlots(slots []*Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Day != b.Day {
			return a.Day.Index() < b.Day.Index()
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})
}
