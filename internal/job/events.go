package job

import "github.com/dusklabs/penumbra/internal/cryptox"

// Event is the tagged union carried by the registry's bus. The two kinds are
// Progress and Complete; consumers type-switch on the concrete type.
type Event interface {
	JobID() ID
}

// Progress announces how many bytes of a job have been processed so far.
// TotalBytes is -1 when the final size is not yet known.
type Progress struct {
	Job            ID
	BytesProcessed int64
	TotalBytes     int64
}

func (p Progress) JobID() ID { return p.Job }

// Complete announces that a job's metadata is final: its decryption
// descriptor (for encryption jobs), its exact size and its mimetype when
// discovered. Size is -1 when unknown.
type Complete struct {
	Job      ID
	Info     cryptox.Descriptor
	Size     int64
	Mimetype string
}

func (c Complete) JobID() ID { return c.Job }
