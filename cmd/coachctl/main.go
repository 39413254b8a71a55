/*
main.go - coachctl, the command line client of the offline sync layer

PURPOSE:
  Works with a trainer's data from a terminal the same way the app does:
  reads and writes go to the backend when it is reachable and to the local
  mirror when it is not, and queued changes replay on `coachctl sync`.

COMMANDS:
  login CODE                     Redeem an authorization code
  logout                         Forget the saved session
  list TABLE                     Read rows (--where col=val, --order, --select)
  add TABLE col=val...           Create a row
  update TABLE ID col=val...     Patch a row
  delete TABLE ID                Delete a row
  pending                        Show queued changes
  sync                           Replay queued changes
  discard SEQ                    Drop a rejected queued change
  status                         Connectivity and queue summary

CONFIGURATION:
  Flags, COACHDESK_* environment variables and coachdesk.yaml, see
  config/config.go.

EXAMPLES:
  coachctl login abc123
  coachctl add clients name="Jane Doe" active=true
  coachctl list schedules --where client_id=42 --order start_time
  coachctl --offline add workouts name=Intervals
  coachctl sync

SEE ALSO:
  - app/app.go: the stack each command runs on
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
