package main

import (
	"github.com/joho/godotenv"

	"signal-gate/internal/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
