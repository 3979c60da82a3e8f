package main

import "github.com/frahmantamala/soko-payments/cmd"

func main() {
	cmd.Execute()
}
