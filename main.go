/*
	Copyright 2023 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/kartrace-service-manager-go/cmd"

func main() {
	cmd.Execute()
}
