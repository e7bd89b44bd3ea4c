package main

import (
	"os"

	"mlxd/internal/mlxctl"
)

func main() {
	os.Exit(mlxctl.Main())
}
