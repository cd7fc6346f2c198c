// Command gorelayd runs the STUN/TURN server described by SPEC_FULL.md.
package main

import "github.com/gorelay/gorelayd/internal/cli"

func main() {
	cli.Execute()
}
