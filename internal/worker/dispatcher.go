package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dusklabs/penumbra/internal/cryptox"
	"github.com/dusklabs/penumbra/internal/job"
	"github.com/dusklabs/penumbra/internal/logging"
	"github.com/dusklabs/penumbra/internal/rpc"
)

// ErrNoWorker reports that no worker context is configured or reachable; the
// coordinator falls back to buffered single-context execution.
var ErrNoWorker = errors.New("no worker context available")

// DispatcherOptions configure how the worker context is reached. When Target
// is set the dispatcher dials it directly (tests use this with an in-memory
// listener); otherwise BinaryPath is spawned once and reached over a unix
// socket. Both empty means streaming is unavailable.
type DispatcherOptions struct {
	BinaryPath   string
	ExtraArgs    []string
	Target       string
	DialOptions  []grpc.DialOption
	StartTimeout time.Duration
}

// Dispatcher owns the single worker context of a coordinator: it lazily
// spawns (or dials) the worker exactly once, keeps the connection for the
// process lifetime, republishes worker events onto the registry bus, and
// pumps channel-pair endpoints across the boundary. It is the only component
// that crosses the execution-context boundary.
type Dispatcher struct {
	logger   logging.Logger
	registry *job.Registry
	opts     DispatcherOptions

	mu       sync.Mutex
	started  bool
	startErr error
	client   *rpc.Client
	conn     *grpc.ClientConn
	cmd      *exec.Cmd
	sockDir  string
}

func NewDispatcher(logger logging.Logger, registry *job.Registry, opts DispatcherOptions) *Dispatcher {
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 10 * time.Second
	}
	return &Dispatcher{
		logger:   logger.With("module", "dispatcher"),
		registry: registry,
		opts:     opts,
	}
}

// Available reports whether the worker context can host this call's jobs.
// The answer is decided once per call, not per item.
func (d *Dispatcher) Available(ctx context.Context) bool {
	_, err := d.ensure(ctx)
	return err == nil
}

// ensure starts the worker context on first use and returns the same client
// for every subsequent call. A failed start is remembered and not retried.
func (d *Dispatcher) ensure(ctx context.Context) (*rpc.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return d.client, d.startErr
	}
	d.started = true
	d.client, d.startErr = d.start(ctx)
	if d.startErr != nil {
		d.logger.Warn(ctx, "worker context unavailable", "err", d.startErr)
	}
	return d.client, d.startErr
}

func (d *Dispatcher) start(ctx context.Context) (*rpc.Client, error) {
	target := d.opts.Target
	if target == "" {
		if d.opts.BinaryPath == "" {
			return nil, ErrNoWorker
		}
		dir, err := os.MkdirTemp("", "penumbra-worker-")
		if err != nil {
			return nil, fmt.Errorf("creating socket dir: %w", err)
		}
		sock := filepath.Join(dir, "worker.sock")

		args := append([]string{"-a", sock, "-n", "unix"}, d.opts.ExtraArgs...)
		cmd := exec.Command(d.opts.BinaryPath, args...)
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: spawning %s: %v", ErrNoWorker, d.opts.BinaryPath, err)
		}
		d.cmd = cmd
		d.sockDir = dir
		target = "unix://" + sock
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, d.opts.DialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrNoWorker, target, err)
	}
	d.conn = conn

	if err := d.waitReady(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoWorker, err)
	}

	client := rpc.NewClient(conn)

	workerID := uuid.NewString()
	// The event stream outlives every call; it is bounded only by the
	// connection itself.
	events, err := client.Setup(context.Background(), &rpc.SetupRequest{WorkerID: workerID})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: setup: %v", ErrNoWorker, err)
	}
	go d.forwardEvents(events)

	d.logger.Info(ctx, "worker context started", "worker_id", workerID, "target", target)
	return client, nil
}

// waitReady blocks until the connection reaches Ready, bounded by the start
// timeout, so a freshly spawned worker gets time to bind its socket.
func (d *Dispatcher) waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	waitCtx, cancel := context.WithTimeout(ctx, d.opts.StartTimeout)
	defer cancel()

	conn.Connect()
	for {
		st := conn.GetState()
		if st == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(waitCtx, st) {
			return fmt.Errorf("worker not ready: %w", waitCtx.Err())
		}
	}
}

// forwardEvents republishes worker events onto the registry bus, joining the
// boundary-crossing wire events back to subscribers that only hold a job id.
func (d *Dispatcher) forwardEvents(events rpc.EventReceiver) {
	for {
		ev, err := events.Recv()
		if err != nil {
			d.logger.Debug(context.Background(), "event stream closed", "err", err)
			return
		}
		switch ev.Kind {
		case rpc.EventProgress:
			d.registry.Publish(job.Progress{
				Job:            job.ID(ev.JobID),
				BytesProcessed: ev.BytesProcessed,
				TotalBytes:     ev.TotalBytes,
			})
		case rpc.EventComplete:
			c := job.Complete{Job: job.ID(ev.JobID), Size: ev.Size, Mimetype: ev.Mimetype}
			if ev.Descriptor != nil {
				c.Info = cryptox.Descriptor{
					Key:     ev.Descriptor.Key,
					IV:      ev.Descriptor.IV,
					AuthTag: ev.Descriptor.AuthTag,
				}
			}
			d.registry.Publish(c)
		}
	}
}

// Get forwards a batched fetch call to the worker.
func (d *Dispatcher) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.Accepted, error) {
	client, err := d.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, req)
}

// Encrypt forwards a batched encrypt call to the worker.
func (d *Dispatcher) Encrypt(ctx context.Context, req *rpc.TransformRequest) (*rpc.Accepted, error) {
	client, err := d.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return client.Encrypt(ctx, req)
}

// Decrypt forwards a batched decrypt call to the worker.
func (d *Dispatcher) Decrypt(ctx context.Context, req *rpc.TransformRequest) (*rpc.Accepted, error) {
	client, err := d.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return client.Decrypt(ctx, req)
}

// SendStream transfers an outbound endpoint: it binds the token on the
// worker and pushes everything r yields across the boundary. Frame delivery
// inherits the stream's flow control, so a slow worker suspends r's
// producer. Runs until the source is exhausted or fails; the failure, if
// any, is forwarded so it surfaces on the worker-side job. When the
// transfer itself fails, r is closed with that error so the goroutine
// feeding the pipe is not left blocked on a writer nobody reads.
func (d *Dispatcher) SendStream(token string, r *io.PipeReader) error {
	client, err := d.ensure(context.Background())
	if err != nil {
		r.CloseWithError(err)
		return err
	}
	stream, err := client.Channel(context.Background())
	if err != nil {
		r.CloseWithError(err)
		return err
	}
	if err := stream.Send(&rpc.Frame{Token: token, Role: rpc.RoleWrite}); err != nil {
		r.CloseWithError(err)
		return err
	}

	buf := make([]byte, frameSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := stream.Send(&rpc.Frame{Data: buf[:n]}); err != nil {
				r.CloseWithError(err)
				return err
			}
		}
		if rerr == io.EOF {
			if err := stream.Send(&rpc.Frame{EOF: true}); err != nil {
				r.CloseWithError(err)
				return err
			}
			break
		}
		if rerr != nil {
			_ = stream.Send(&rpc.Frame{Error: rerr.Error()})
			_ = stream.CloseSend()
			return rerr
		}
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain the server's close so the stream is released.
	_, _ = stream.Recv()
	return nil
}

// ReceiveStream transfers an inbound endpoint: it binds the token on the
// worker and forwards arriving frames into w, which is the transport half of
// a local channel pair. A worker-side job failure closes w with that error
// so it surfaces on the item's own stream.
func (d *Dispatcher) ReceiveStream(token string, w *io.PipeWriter) {
	client, err := d.ensure(context.Background())
	if err != nil {
		w.CloseWithError(err)
		return
	}
	stream, err := client.Channel(context.Background())
	if err != nil {
		w.CloseWithError(err)
		return
	}
	if err := stream.Send(&rpc.Frame{Token: token, Role: rpc.RoleRead}); err != nil {
		w.CloseWithError(err)
		return
	}
	if err := stream.CloseSend(); err != nil {
		w.CloseWithError(err)
		return
	}

	for {
		f, err := stream.Recv()
		if err != nil {
			w.CloseWithError(err)
			return
		}
		if len(f.Data) > 0 {
			if _, werr := w.Write(f.Data); werr != nil {
				// Consumer abandoned the stream; discard the rest.
				return
			}
		}
		if f.Error != "" {
			w.CloseWithError(errors.New(f.Error))
			return
		}
		if f.EOF {
			w.Close()
			return
		}
	}
}

// Close tears down the connection and, if the dispatcher spawned the worker
// process, stops it. In-flight worker jobs are not waited for.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.conn != nil {
		errs = append(errs, d.conn.Close())
		d.conn = nil
	}
	if d.cmd != nil && d.cmd.Process != nil {
		if err := d.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			_ = d.cmd.Wait()
		} else {
			_ = d.cmd.Process.Kill()
		}
		d.cmd = nil
	}
	if d.sockDir != "" {
		errs = append(errs, os.RemoveAll(d.sockDir))
		d.sockDir = ""
	}
	return errors.Join(errs...)
}
