package main

import (
	"os"

	"hostvisor/internal/cli/cmd"
	"hostvisor/internal/config"
)

const fallbackURL = "http://127.0.0.1:8080"

// defaultURL points at the local daemon: HOSTVISOR_URL, else the listen
// address from the daemon's config file.
func defaultURL() string {
	if u := os.Getenv("HOSTVISOR_URL"); u != "" {
		return u
	}
	dir, err := config.Dir()
	if err != nil {
		return fallbackURL
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return fallbackURL
	}
	return cfg.BaseURL()
}

func main() {
	cmd.Execute(defaultURL())
}
