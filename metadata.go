package scopehub

import (
	"strconv"
	"time"
)

// Tag is a single key-value metadata entry attached to an emitted frame.
type Tag struct {
	Key   string
	Value string
}

// Metadata is the ordered set of tags scoped to one frame on one channel.
// Insertion order is the order tags are handed to the frame buffer. A
// Metadata value is built fresh per frame per channel, consumed by the
// enqueue call, and discarded.
type Metadata []Tag

// Get returns the value for key and whether the key was present.
func (md Metadata) Get(key string) (string, bool) {
	for _, tag := range md {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Keys used in per-frame metadata.
const (
	TagLabel        = "Label"
	TagSessionID    = "SessionID"
	TagStartTime    = "StartTime"
	TagElapsedMs    = "ElapsedTime-ms"
	TagFrameIndex   = "FrameIndex"
	TagChannelIndex = "ChannelIndex"
	TagChannelName  = "ChannelName"
)

// buildMetadata computes the tag set for one frame on one channel. It is a
// pure function of its inputs: elapsed time is now minus the session start.
func buildMetadata(session *AcquisitionSession, frameIndex int64, channel int,
	channelName string, now time.Time) Metadata {
	elapsed := now.Sub(session.startTime)
	return Metadata{
		{TagLabel, session.label},
		{TagSessionID, session.id},
		{TagStartTime, session.startTime.Format(time.RFC3339Nano)},
		{TagElapsedMs, strconv.FormatFloat(elapsed.Seconds()*1e3, 'f', 3, 64)},
		{TagFrameIndex, strconv.FormatInt(frameIndex, 10)},
		{TagChannelIndex, strconv.Itoa(channel)},
		{TagChannelName, channelName},
	}
}
