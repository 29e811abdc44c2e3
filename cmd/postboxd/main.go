package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/postbox/internal/account"
	"github.com/matheus3301/postbox/internal/daemon"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides the selected account)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	noStartFlag := flag.Bool("no-autostart", false, "do not start IO until a client asks")
	flag.Parse()

	m, err := account.Open(account.BaseDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	entry, err := account.Resolve(m, *accountFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Account:     entry,
			Debug:       *debugFlag,
			NoAutoStart: *noStartFlag,
		}),
	)

	app.Run()
}
