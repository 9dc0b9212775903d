package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/dusklabs/penumbra"
	"github.com/dusklabs/penumbra/internal/cli"
	"github.com/dusklabs/penumbra/internal/logging"
)

func main() {

	ctx := context.Background()

	var opts []penumbra.Option
	if bin := os.Getenv("PENUMBRA_WORKER"); bin != "" {
		opts = append(opts, penumbra.WithWorkerBinary(bin))
	}
	if os.Getenv("PENUMBRA_DEBUG") != "" {
		opts = append(opts, penumbra.WithLogger(
			logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))))
	}

	client := penumbra.New(opts...)
	defer client.Close()

	app := cli.NewApp(client, os.Stdout)

	if err := app.Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}

}
