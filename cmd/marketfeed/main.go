package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	ctx := context.Background()
	if err := execute(ctx); err != nil {
		log.Error().Err(err).Msg("marketfeed exited with error")
		os.Exit(1)
	}
}
