package main

import (
	"context"
	"log"

	"github.com/dusklabs/penumbra/internal/worker"
	"github.com/dusklabs/penumbra/internal/worker/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := worker.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
