package main

import "amf-rpc/cmd"

func main() {
	cmd.Execute()
}
