package main

import (
	"context"
	"os"

	"github.com/bdobrica/Kizuna/internal/kizuna/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
