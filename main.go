package main

import "github.com/pders01/ckpt-eval/cmd"

func main() {
	cmd.Execute()
}
