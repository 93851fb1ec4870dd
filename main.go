package main

import (
	"github.com/joho/godotenv"

	"github.com/Todd838/Coin-Insights/internal/cli"
)

func main() {
	// Optional .env for local development; config beats environment only
	// for explicitly set keys.
	_ = godotenv.Load()
	cli.Execute()
}
