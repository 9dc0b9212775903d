package penumbra

import (
	"sync"

	"google.golang.org/grpc"

	"github.com/dusklabs/penumbra/internal/fetch"
	"github.com/dusklabs/penumbra/internal/job"
	"github.com/dusklabs/penumbra/internal/logging"
	"github.com/dusklabs/penumbra/internal/worker"
)

// Client coordinates batches of fetch, encrypt and decrypt jobs. It owns one
// job registry, one lazily started worker context, and the buffered fallback
// path used when no worker is reachable. A Client is safe for concurrent
// use; create one per process region that needs independent job numbering.
type Client struct {
	logger     logging.Logger
	registry   *job.Registry
	dispatcher *worker.Dispatcher
	fetcher    *fetch.Fetcher

	mu       sync.Mutex
	uriByJob map[JobID]uriEntry
	anonURIs []string
}

type settings struct {
	logger       logging.Logger
	workerBinary string
	workerTarget string
	dialOptions  []grpc.DialOption
	fetchOptions fetch.Options
}

// Option configures a Client.
type Option func(*settings)

// WithLogger sets the logger shared by the client and its components. The
// default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithWorkerBinary points the client at a worker executable to spawn on
// first use. Without a worker the client processes every batch in the
// buffered fallback path.
func WithWorkerBinary(path string) Option {
	return func(s *settings) { s.workerBinary = path }
}

// WithWorkerTarget dials an already running worker instead of spawning one.
func WithWorkerTarget(target string, dialOptions ...grpc.DialOption) Option {
	return func(s *settings) {
		s.workerTarget = target
		s.dialOptions = dialOptions
	}
}

// WithS3 configures credentials and endpoint for s3:// resources, applied
// both to the fallback fetcher and to a spawned worker.
func WithS3(region, endpoint, accessKey, secretKey string) Option {
	return func(s *settings) {
		s.fetchOptions.S3Region = region
		s.fetchOptions.S3Endpoint = endpoint
		s.fetchOptions.S3AccessKey = accessKey
		s.fetchOptions.S3SecretKey = secretKey
	}
}

// New builds a Client. No worker process is started until the first call
// that could use one.
func New(opts ...Option) *Client {
	s := settings{logger: logging.Discard()}
	for _, o := range opts {
		o(&s)
	}

	registry := job.NewRegistry()

	var extraArgs []string
	if s.fetchOptions.S3Endpoint != "" {
		extraArgs = append(extraArgs, "-e", s.fetchOptions.S3Endpoint)
	}
	if s.fetchOptions.S3Region != "" {
		extraArgs = append(extraArgs, "-g", s.fetchOptions.S3Region)
	}
	if s.fetchOptions.S3AccessKey != "" {
		extraArgs = append(extraArgs, "-u", s.fetchOptions.S3AccessKey)
	}
	if s.fetchOptions.S3SecretKey != "" {
		extraArgs = append(extraArgs, "-p", s.fetchOptions.S3SecretKey)
	}

	return &Client{
		logger:   s.logger.With("module", "penumbra"),
		registry: registry,
		dispatcher: worker.NewDispatcher(s.logger, registry, worker.DispatcherOptions{
			BinaryPath:  s.workerBinary,
			ExtraArgs:   extraArgs,
			Target:      s.workerTarget,
			DialOptions: s.dialOptions,
		}),
		fetcher:  fetch.New(s.logger, s.fetchOptions),
		uriByJob: make(map[JobID]uriEntry),
	}
}

// Subscribe registers fn for job progress and completion events. The
// returned function removes the subscription.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.registry.Subscribe(func(ev job.Event) {
		if pub := toPublicEvent(ev); pub != nil {
			fn(pub)
		}
	})
}

// Close stops the worker context, if one was started, and deletes any
// temp-file URIs handed out by GetTextOrURI.
func (c *Client) Close() error {
	c.RevokeURIs()
	return c.dispatcher.Close()
}
