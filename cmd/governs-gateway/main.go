package main

import (
	"log"

	"github.com/governs-ai/governs/core/controlplane/gateway"
	"github.com/governs-ai/governs/core/infra/buildinfo"
	"github.com/governs-ai/governs/core/infra/config"
)

func main() {
	buildinfo.Log("governs-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("[GATEWAY] FATAL %v", err)
	}
}
