// Command magiceye runs the bridge between an agent process and a browser
// capture agent.
package main

func main() {
	Execute()
}
