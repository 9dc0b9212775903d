package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"google.golang.org/grpc"

	"github.com/dusklabs/penumbra/internal/fetch"
	"github.com/dusklabs/penumbra/internal/logging"
	"github.com/dusklabs/penumbra/internal/rpc"
	"github.com/dusklabs/penumbra/internal/worker/config"
)

// App is the worker binary: one gRPC service hosting fetch and transform
// jobs on behalf of a coordinator process.
type App struct {
	config *config.Config
	logger logging.Logger
	server *Server
}

func NewApp(c *config.Config) (*App, error) {

	slog := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	logger := logging.NewSlogLogger(slog)

	fetcher := fetch.New(logger, fetch.Options{
		S3Region:    c.S3Region,
		S3Endpoint:  c.S3Endpoint,
		S3AccessKey: c.S3AccessKey,
		S3SecretKey: c.S3SecretKey,
	})

	return &App{
		config: c,
		logger: logger,
		server: NewServer(logger, fetcher),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	if err := app.serve(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) serve(ctx context.Context) error {

	// announces address
	listen, err := net.Listen(app.config.Network, app.config.Addr)
	if err != nil {
		return err
	}

	// creates gRPC-server
	srv := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec{}))

	// registers service
	rpc.RegisterWorkerServer(srv, app.server)

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	app.logger.Info(ctx, "Starting gRPC server", "network", app.config.Network, "address", app.config.Addr)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting worker...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

}
