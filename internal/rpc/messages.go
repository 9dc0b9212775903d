package rpc

// Descriptor mirrors cryptox.Descriptor on the wire.
type Descriptor struct {
	Key     []byte `cbor:"key"`
	IV      []byte `cbor:"iv"`
	AuthTag []byte `cbor:"tag,omitempty"`
}

// SetupRequest registers the caller's event sink with the worker. WorkerID
// names this worker session in logs on both sides.
type SetupRequest struct {
	WorkerID string `cbor:"worker_id"`
}

// EventKind tags a JobEvent.
type EventKind uint8

const (
	EventProgress EventKind = iota + 1
	EventComplete
)

// JobEvent travels worker→caller on the Setup stream. Progress events carry
// byte counts; Complete events carry the final descriptor and metadata.
type JobEvent struct {
	Kind           EventKind   `cbor:"kind"`
	JobID          uint64      `cbor:"job_id"`
	BytesProcessed int64       `cbor:"bytes,omitempty"`
	TotalBytes     int64       `cbor:"total,omitempty"`
	Descriptor     *Descriptor `cbor:"descriptor,omitempty"`
	Size           int64       `cbor:"size,omitempty"`
	Mimetype       string      `cbor:"mimetype,omitempty"`
}

// Resource identifies one fetchable, optionally encrypted payload.
type Resource struct {
	URL        string              `cbor:"url"`
	Header     map[string][]string `cbor:"header,omitempty"`
	Mimetype   string              `cbor:"mimetype,omitempty"`
	Decryption *Descriptor         `cbor:"decryption,omitempty"`
}

// GetRequest fans a batch of fetch jobs to the worker in one message. IDs,
// Tokens (writable endpoints for the fetched bytes) and Resources are
// parallel arrays; if their lengths ever disagree the worker truncates the
// batch to the common minimum and reports the number actually accepted.
type GetRequest struct {
	IDs       []uint64   `cbor:"ids"`
	Tokens    []string   `cbor:"tokens"`
	Resources []Resource `cbor:"resources"`
}

// TransformRequest fans a batch of encrypt or decrypt jobs to the worker.
// IDs, Sizes, In (readable endpoints) and Out (writable endpoints) are
// parallel arrays subject to the same truncation policy as GetRequest.
// Options applies to every job unless a per-job entry in Descriptors
// overrides it; a nil Options on encrypt asks the worker to generate key
// material per job.
type TransformRequest struct {
	Options     *Descriptor   `cbor:"options,omitempty"`
	IDs         []uint64      `cbor:"ids"`
	Sizes       []int64       `cbor:"sizes"`
	In          []string      `cbor:"in"`
	Out         []string      `cbor:"out"`
	Descriptors []*Descriptor `cbor:"descriptors,omitempty"`
}

// Accepted reports how many jobs of a batch the worker actually started.
// Fewer than submitted means the batch was truncated on an endpoint/item
// count mismatch.
type Accepted struct {
	Jobs int `cbor:"jobs"`
}

// FrameRole states what the opener of a Channel stream will do with it.
type FrameRole uint8

const (
	// RoleWrite: the opener streams payload bytes to the other side.
	RoleWrite FrameRole = iota + 1
	// RoleRead: the opener consumes payload bytes from the other side.
	RoleRead
)

// Frame is one message on a Channel stream. The first frame of a stream
// binds it to an endpoint token and declares the opener's role; subsequent
// frames carry data until EOF or Error ends the stream. An endpoint token
// binds exactly once.
type Frame struct {
	Token string    `cbor:"token,omitempty"`
	Role  FrameRole `cbor:"role,omitempty"`
	Data  []byte    `cbor:"data,omitempty"`
	EOF   bool      `cbor:"eof,omitempty"`
	Error string    `cbor:"error,omitempty"`
}
