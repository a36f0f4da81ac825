// Command mayarad is the Mayara marine radar integration daemon. It
// discovers Navico, Furuno, Raymarine and Garmin radars on the local
// network, maintains a session per radar, and exposes a Prometheus metrics
// endpoint plus the Registry facade other layers can build on.
package main

import (
	"os"

	"github.com/mayara-project/mayara/cmd/mayarad/commands"
)

func main() {
	os.Exit(commands.Execute())
}
