package main

import "meal-lens-backend/cmd"

func main() {
	cmd.Run()
}
