package main

import (
	"os"

	"github.com/nmapai/pkg/cmd"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}
