package communication

import "time"

// Recorder receives container telemetry
type Recorder interface {
	SnapshotRebuilt(iteration int64, clients int, elapsed time.Duration)
	RebuildFailed()
	PollCompleted(clientID string, payloads int, err error)
	PayloadCompleted(channelID string, success bool, elapsed time.Duration)
	QueueTime(channelID string, waited time.Duration)
	Sent(channelID string, success bool)
	ReservedSlots(n int64)
}

// NoopRecorder discards telemetry
type NoopRecorder struct{}

func (NoopRecorder) SnapshotRebuilt(int64, int, time.Duration)    {}
func (NoopRecorder) RebuildFailed()                               {}
func (NoopRecorder) PollCompleted(string, int, error)             {}
func (NoopRecorder) PayloadCompleted(string, bool, time.Duration) {}
func (NoopRecorder) QueueTime(string, time.Duration)              {}
func (NoopRecorder) Sent(string, bool)                            {}
func (NoopRecorder) ReservedSlots(int64)                          {}
