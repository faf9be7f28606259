package client

import "time"

// Timeline thresholds, evaluated independently for each adjacent pair.
const (
	TimestampGap = 30 * time.Minute // gap that shows a timestamp separator
	GroupGap     = time.Minute      // gap that starts a new sender group
)

// Row is one message positioned in the timeline.
type Row struct {
	Entry
	Mine          bool // sent by the viewer
	ShowTimestamp bool // render a time separator above this row
	StartGroup    bool // render the sender avatar: a new group begins here
}

// Layout positions entries for display. The first row always shows a
// timestamp and starts a group.
func Layout(entries []Entry, viewer string) []Row {
	rows := make([]Row, len(entries))
	for i, e := range entries {
		row := Row{Entry: e, Mine: e.Message.SenderID == viewer}
		if i == 0 {
			row.ShowTimestamp = true
			row.StartGroup = true
		} else {
			prev := entries[i-1].Message
			gap := e.Message.CreatedAt.Sub(prev.CreatedAt)
			row.ShowTimestamp = gap >= TimestampGap
			// TimestampGap exceeds GroupGap, so a timestamped row always starts a group.
			row.StartGroup = prev.SenderID != e.Message.SenderID || gap >= GroupGap
		}
		rows[i] = row
	}
	return rows
}
