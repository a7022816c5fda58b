package waveline

import "time"

// Section is one calendar day of messages, for date-separator rendering.
type Section struct {
	// DateKey is the day in YYYY-MM-DD form, stable for use as a list key.
	DateKey string
	// Date is midnight local time of the day.
	Date time.Time
	// Items holds the day's messages, oldest first.
	Items []*Message
}

// ProjectSections groups an ordered view into per-day sections using the
// local calendar day of each message's effective time. Pending entries fall
// under today by their client timestamp, so an optimistic message and its
// confirmation land in the same section. The projection is pure: it never
// mutates or reorders its input.
func ProjectSections(msgs []*Message) []Section {
	var sections []Section
	for _, m := range msgs {
		day := m.EffectiveTime().Local()
		key := day.Format("2006-01-02")
		if n := len(sections); n > 0 && sections[n-1].DateKey == key {
			sections[n-1].Items = append(sections[n-1].Items, m)
			continue
		}
		sections = append(sections, Section{
			DateKey: key,
			Date:    time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()),
			Items:   []*Message{m},
		})
	}
	return sections
}

// Sections returns the current view projected into day sections.
func (s *Session) Sections() []Section {
	return ProjectSections(s.OrderedView())
}
