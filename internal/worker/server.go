// Package worker contains both sides of the execution-context boundary: the
// Server that runs inside the worker process and executes fetch/encrypt/
// decrypt jobs, and the Dispatcher that owns the worker's lifecycle from the
// calling context. Nothing else in the module crosses the boundary.
package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dusklabs/penumbra/internal/cryptox"
	"github.com/dusklabs/penumbra/internal/fetch"
	"github.com/dusklabs/penumbra/internal/logging"
	"github.com/dusklabs/penumbra/internal/mimes"
	"github.com/dusklabs/penumbra/internal/rpc"
)

// frameSize is the payload size of one data frame on a Channel stream.
const frameSize = 64 * 1024

// Server executes jobs inside the worker context. Each job of a batch runs
// in its own goroutine with its own endpoints and cipher state; the only
// shared state is the endpoint table, the per-job key store and the event
// sinks.
type Server struct {
	logger  logging.Logger
	fetcher *fetch.Fetcher

	mu       sync.Mutex
	binds    map[string]*binding
	keys     map[uint64]*jobKeys
	sinks    map[int]*eventSink
	nextSink int
}

func NewServer(logger logging.Logger, fetcher *fetch.Fetcher) *Server {
	return &Server{
		logger:  logger.With("module", "worker"),
		fetcher: fetcher,
		binds:   make(map[string]*binding),
		keys:    make(map[uint64]*jobKeys),
		sinks:   make(map[int]*eventSink),
	}
}

// binding is a transferred endpoint reconstructed as a live pipe. The
// Channel stream feeds pw / drains pr; the job goroutine holds the other
// end. Exactly two parties reference a token: its job and its Channel
// stream. Each releases its reference when done and the last one removes
// the entry, so a long-lived worker does not accumulate finished pipes.
type binding struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	refs  int
	bound bool
}

// binding returns the pipe for a token, creating it on first reference so
// that jobs and Channel streams may arrive in either order.
func (s *Server) binding(token string) *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindingLocked(token)
}

func (s *Server) bindingLocked(token string) *binding {
	b, ok := s.binds[token]
	if !ok {
		pr, pw := io.Pipe()
		b = &binding{pr: pr, pw: pw, refs: 2}
		s.binds[token] = b
	}
	return b
}

// claim is the Channel-stream side of binding: a transferred endpoint is
// single-use, so a token already bound to a stream is rejected.
func (s *Server) claim(token string) (*binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bindingLocked(token)
	if b.bound {
		return nil, status.Errorf(codes.FailedPrecondition, "endpoint %s already bound", token)
	}
	b.bound = true
	return b, nil
}

// release drops one party's reference to each token and removes entries
// nobody references anymore.
func (s *Server) release(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		b, ok := s.binds[token]
		if !ok {
			continue
		}
		b.refs--
		if b.refs <= 0 {
			delete(s.binds, token)
		}
	}
}

// jobKeys is the worker-side record of one encryption job's key material,
// kept so a later decrypt job reusing the same id can run before the
// client has seen the completion event. Key and IV are fixed before the
// job starts; the tag exists only once the whole ciphertext has been
// produced, so tagged gates the dependent verification. Entries are a few
// dozen bytes and stay for the worker's lifetime; any id may be
// re-decrypted arbitrarily late.
type jobKeys struct {
	key, iv []byte
	tagged  chan struct{}
	tag     []byte
}

// finish publishes the final tag (nil when the job failed) and wakes
// dependent decrypt jobs.
func (jk *jobKeys) finish(tag []byte) {
	jk.tag = tag
	close(jk.tagged)
}

// announceKeys records an encryption job's key material before the job
// starts, so a dependent decrypt dispatched right after the encrypt call
// always finds it.
func (s *Server) announceKeys(id uint64, key, iv []byte) *jobKeys {
	jk := &jobKeys{key: key, iv: iv, tagged: make(chan struct{})}
	s.mu.Lock()
	s.keys[id] = jk
	s.mu.Unlock()
	return jk
}

func (s *Server) keysFor(id uint64) (*jobKeys, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jk, ok := s.keys[id]
	return jk, ok
}

type eventSink struct {
	mu     sync.Mutex
	stream rpc.EventStream
}

func (s *eventSink) send(ev *rpc.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(ev)
}

// Setup registers the caller's event stream and holds it open until the
// caller goes away.
func (s *Server) Setup(req *rpc.SetupRequest, stream rpc.EventStream) error {
	sink := &eventSink{stream: stream}

	s.mu.Lock()
	key := s.nextSink
	s.nextSink++
	s.sinks[key] = sink
	s.mu.Unlock()

	s.logger.Info(stream.Context(), "event stream registered", "worker_id", req.WorkerID)
	<-stream.Context().Done()

	s.mu.Lock()
	delete(s.sinks, key)
	s.mu.Unlock()
	return nil
}

func (s *Server) publish(ev *rpc.JobEvent) {
	s.mu.Lock()
	sinks := make([]*eventSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.send(ev); err != nil {
			s.logger.Warn(context.Background(), "event delivery failed", "job_id", ev.JobID, "err", err)
		}
	}
}

// Channel binds one transferred endpoint token to this stream. A RoleWrite
// opener pushes payload frames that surface on the binding's reader; a
// RoleRead opener drains whatever the job writes into the binding.
func (s *Server) Channel(stream rpc.FrameStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Token == "" {
		return status.Error(codes.InvalidArgument, "channel stream must start with a bind frame")
	}

	b, err := s.claim(first.Token)
	if err != nil {
		return err
	}
	defer s.release(first.Token)

	switch first.Role {
	case rpc.RoleWrite:
		return s.channelReceive(stream, b)
	case rpc.RoleRead:
		return s.channelSend(stream, b)
	default:
		return status.Error(codes.InvalidArgument, "bind frame missing role")
	}
}

func (s *Server) channelReceive(stream rpc.FrameStream, b *binding) error {
	for {
		f, err := stream.Recv()
		if err == io.EOF {
			// Peer vanished without an EOF frame.
			b.pw.CloseWithError(io.ErrUnexpectedEOF)
			return nil
		}
		if err != nil {
			b.pw.CloseWithError(err)
			return err
		}
		if len(f.Data) > 0 {
			if _, werr := b.pw.Write(f.Data); werr != nil {
				// The job abandoned its reader; nothing left to deliver to.
				return nil
			}
		}
		if f.Error != "" {
			b.pw.CloseWithError(errors.New(f.Error))
			return nil
		}
		if f.EOF {
			b.pw.Close()
			return nil
		}
	}
}

func (s *Server) channelSend(stream rpc.FrameStream, b *binding) error {
	buf := make([]byte, frameSize)
	for {
		n, err := b.pr.Read(buf)
		if n > 0 {
			if serr := stream.Send(&rpc.Frame{Data: buf[:n]}); serr != nil {
				b.pr.CloseWithError(serr)
				return serr
			}
		}
		if err == io.EOF {
			return stream.Send(&rpc.Frame{EOF: true})
		}
		if err != nil {
			return stream.Send(&rpc.Frame{Error: err.Error()})
		}
	}
}

// truncate applies the defensive batching policy: when parallel array
// lengths disagree the batch narrows to the shortest one with a warning.
// Dropped items never produce a result and never error individually.
func (s *Server) truncate(op string, lengths ...int) int {
	n := lengths[0]
	mismatch := false
	for _, l := range lengths[1:] {
		if l != n {
			mismatch = true
		}
		if l < n {
			n = l
		}
	}
	if mismatch {
		s.logger.Warn(context.Background(), "endpoint/item count mismatch, truncating batch",
			"op", op, "accepted", n)
	}
	return n
}

// Get starts one fetch job per accepted item and returns immediately; bytes
// flow through the Out endpoints as they arrive from the source.
func (s *Server) Get(_ context.Context, req *rpc.GetRequest) (*rpc.Accepted, error) {
	n := s.truncate("get", len(req.IDs), len(req.Tokens), len(req.Resources))
	for i := 0; i < n; i++ {
		go s.runGet(req.IDs[i], req.Tokens[i], req.Resources[i])
	}
	return &rpc.Accepted{Jobs: n}, nil
}

// Encrypt starts one encryption job per accepted item. A nil Options asks
// the worker to generate key material per job; the resulting descriptor is
// announced on the event stream when the job completes. Key material is
// recorded under the job id before the call returns, so a decrypt job
// reusing the id never races the encryption it depends on.
func (s *Server) Encrypt(_ context.Context, req *rpc.TransformRequest) (*rpc.Accepted, error) {
	n := s.truncate("encrypt", len(req.IDs), len(req.Sizes), len(req.In), len(req.Out))
	for i := 0; i < n; i++ {
		key, iv, err := keyMaterial(req.Options)
		if err != nil {
			go s.failJob(req.IDs[i], req.In[i], req.Out[i], err)
			continue
		}
		jk := s.announceKeys(req.IDs[i], key, iv)
		go s.runEncrypt(req.IDs[i], req.Sizes[i], req.In[i], req.Out[i], jk)
	}
	return &rpc.Accepted{Jobs: n}, nil
}

// Decrypt starts one decryption job per accepted item. Each job's
// descriptor comes from the per-job Descriptors slot when present, else
// from the batch Options.
func (s *Server) Decrypt(_ context.Context, req *rpc.TransformRequest) (*rpc.Accepted, error) {
	n := s.truncate("decrypt", len(req.IDs), len(req.Sizes), len(req.In), len(req.Out))
	for i := 0; i < n; i++ {
		d := req.Options
		if i < len(req.Descriptors) && req.Descriptors[i] != nil {
			d = req.Descriptors[i]
		}
		go s.runDecrypt(req.IDs[i], req.Sizes[i], req.In[i], req.Out[i], d)
	}
	return &rpc.Accepted{Jobs: n}, nil
}

// fail surfaces a job error on the item's own output stream. Other jobs of
// the batch are unaffected.
func (s *Server) fail(out *binding, id uint64, err error) {
	s.logger.Error(context.Background(), "job failed", "job_id", id, "err", err)
	out.pw.CloseWithError(err)
}

// failJob surfaces err on a job that never ran: the input binding is closed
// so the sending side does not stall, the error lands on the output stream,
// and both endpoint references are dropped.
func (s *Server) failJob(id uint64, inTok, outTok string, err error) {
	in := s.binding(inTok)
	out := s.binding(outTok)
	defer s.release(inTok, outTok)
	in.pr.CloseWithError(err)
	s.fail(out, id, err)
}

func (s *Server) progressFn(id uint64, total int64) func(int64) {
	return func(processed int64) {
		s.publish(&rpc.JobEvent{
			Kind:           rpc.EventProgress,
			JobID:          id,
			BytesProcessed: processed,
			TotalBytes:     total,
		})
	}
}

func (s *Server) runEncrypt(id uint64, size int64, inTok, outTok string, jk *jobKeys) {
	in := s.binding(inTok)
	out := s.binding(outTok)
	defer s.release(inTok, outTok)

	enc, err := cryptox.NewStreamEncrypter(jk.key, jk.iv)
	if err != nil {
		jk.finish(nil)
		in.pr.CloseWithError(err)
		s.fail(out, id, err)
		return
	}

	total, err := enc.Pipe(out.pw, in.pr, s.progressFn(id, size))
	if err != nil {
		jk.finish(nil)
		in.pr.CloseWithError(err)
		s.fail(out, id, err)
		return
	}
	tag := enc.Tag()
	jk.finish(tag)
	out.pw.Close()

	s.publish(&rpc.JobEvent{
		Kind:  rpc.EventComplete,
		JobID: id,
		Size:  total,
		Descriptor: &rpc.Descriptor{
			Key:     jk.key,
			IV:      jk.iv,
			AuthTag: tag,
		},
	})
}

func (s *Server) runDecrypt(id uint64, size int64, inTok, outTok string, opts *rpc.Descriptor) {
	in := s.binding(inTok)
	out := s.binding(outTok)
	defer s.release(inTok, outTok)

	var desc cryptox.Descriptor
	var produced *jobKeys
	if opts != nil {
		desc = cryptox.Descriptor{Key: opts.Key, IV: opts.IV, AuthTag: opts.AuthTag}
	} else if jk, ok := s.keysFor(id); ok {
		// Same-session re-decryption: the job id was reused, so the key
		// material announced by the encryption job applies. Its tag may
		// still be in flight; verification waits for it at end of stream.
		desc = cryptox.Descriptor{Key: jk.key, IV: jk.iv}
		produced = jk
	} else {
		err := errors.New("missing decryption descriptor")
		in.pr.CloseWithError(err)
		s.fail(out, id, err)
		return
	}

	dec, err := cryptox.NewStreamDecrypter(desc)
	if err != nil {
		in.pr.CloseWithError(err)
		s.fail(out, id, err)
		return
	}

	total, err := dec.Pipe(out.pw, in.pr, s.progressFn(id, size))
	if err == nil && produced != nil {
		<-produced.tagged
		err = dec.VerifyAgainst(produced.tag)
	}
	if err != nil {
		// Includes authentication failure at end of stream: plaintext has
		// already flowed, the consumer sees the error at stream end.
		in.pr.CloseWithError(err)
		s.fail(out, id, err)
		return
	}
	out.pw.Close()

	s.publish(&rpc.JobEvent{Kind: rpc.EventComplete, JobID: id, Size: total})
}

func (s *Server) runGet(id uint64, outTok string, res rpc.Resource) {
	out := s.binding(outTok)
	defer s.release(outTok)

	result, err := s.fetcher.Fetch(context.Background(), res.URL, res.Header)
	if err != nil {
		s.fail(out, id, err)
		return
	}
	defer result.Body.Close()

	body := io.Reader(result.Body)
	mimetype := res.Mimetype
	if mimetype == "" {
		mimetype = result.Mimetype
	}
	if mimetype == "" {
		var head []byte
		head, body, err = peek(body)
		if err != nil {
			s.fail(out, id, err)
			return
		}
		mimetype = mimes.Detect(head)
	}

	var total int64
	if res.Decryption != nil {
		dec, derr := cryptox.NewStreamDecrypter(cryptox.Descriptor{
			Key:     res.Decryption.Key,
			IV:      res.Decryption.IV,
			AuthTag: res.Decryption.AuthTag,
		})
		if derr != nil {
			s.fail(out, id, derr)
			return
		}
		total, err = dec.Pipe(out.pw, body, s.progressFn(id, result.Size))
	} else {
		total, err = copyWithProgress(out.pw, body, s.progressFn(id, result.Size))
	}
	if err != nil {
		s.fail(out, id, err)
		return
	}
	out.pw.Close()

	s.publish(&rpc.JobEvent{Kind: rpc.EventComplete, JobID: id, Size: total, Mimetype: mimetype})
}

func keyMaterial(opts *rpc.Descriptor) (key, iv []byte, err error) {
	if opts != nil && len(opts.Key) > 0 {
		key = opts.Key
	} else if key, err = cryptox.GenerateKey(); err != nil {
		return nil, nil, err
	}
	if opts != nil && len(opts.IV) > 0 {
		iv = opts.IV
	} else if iv, err = cryptox.GenerateIV(); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// peek reads the sniffing window off a stream and returns it together with a
// reader that replays the whole stream.
func peek(r io.Reader) ([]byte, io.Reader, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, err
	}
	head = head[:n]
	return head, io.MultiReader(bytes.NewReader(head), r), nil
}

func copyWithProgress(dst io.Writer, src io.Reader, progress func(int64)) (int64, error) {
	var total int64
	buf := make([]byte, frameSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
