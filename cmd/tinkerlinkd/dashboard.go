package main

import (
	"fmt"
	"os"

	"tinkerlink/ipconn"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
	"tinkerlink/tuiapp"
)

// newDashboard redirects stderr to a crash log before handing off to the
// terminal dashboard, so a panic inside tview doesn't corrupt the screen.
func newDashboard(cfg *tfconfig.Config, conn *ipconn.Connection, store *statestore.Manager) *tuiapp.App {
	if f, err := os.OpenFile("tinkerlinkd-crash.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		redirectStderr(f)
	} else {
		fmt.Fprintf(os.Stderr, "warning: could not open crash log: %v\n", err)
	}
	return tuiapp.NewApp(cfg, conn, store)
}
