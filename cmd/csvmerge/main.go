package main

import (
	"os"

	"github.com/JonMunkholm/csvmerge/internal/cli"
	_ "github.com/JonMunkholm/csvmerge/internal/engine/duckdb"   // Register engines
	_ "github.com/JonMunkholm/csvmerge/internal/engine/mysql"
	_ "github.com/JonMunkholm/csvmerge/internal/engine/postgres"
	_ "github.com/JonMunkholm/csvmerge/internal/engine/sqlite"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
