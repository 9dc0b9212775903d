package penumbra

import "github.com/dusklabs/penumbra/internal/job"

// Event is a job lifecycle notification delivered to Subscribe callbacks.
type Event interface {
	JobID() JobID
}

// ProgressEvent reports bytes processed so far by a running job. TotalBytes
// is SizeUnknown when the final size has not been determined.
type ProgressEvent struct {
	Job            JobID
	BytesProcessed int64
	TotalBytes     int64
}

func (e ProgressEvent) JobID() JobID { return e.Job }

// CompleteEvent reports a finished job: its final size, its mimetype if the
// job determined one, and, for encryption jobs, the decryption descriptor.
type CompleteEvent struct {
	Job      JobID
	Info     DecryptionInfo
	Size     int64
	Mimetype string
}

func (e CompleteEvent) JobID() JobID { return e.Job }

func toPublicEvent(ev job.Event) Event {
	switch v := ev.(type) {
	case job.Progress:
		return ProgressEvent{
			Job:            JobID(v.Job),
			BytesProcessed: v.BytesProcessed,
			TotalBytes:     v.TotalBytes,
		}
	case job.Complete:
		return CompleteEvent{
			Job:      JobID(v.Job),
			Info:     DecryptionInfo{Key: v.Info.Key, IV: v.Info.IV, AuthTag: v.Info.AuthTag},
			Size:     v.Size,
			Mimetype: v.Mimetype,
		}
	default:
		return nil
	}
}
