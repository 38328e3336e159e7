// Command goauthsync runs the development token issuer and websocket sync relay, and
// simulates groups of tabs sharing one session.
package main

import "github.com/MrEthical07/goAuthSync/cmd/goauthsync/cmd"

func main() {
	cmd.Execute()
}
