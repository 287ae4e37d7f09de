// Command seatwatch follows the seat map of a showtime from the terminal
// and can lock or release seats through the realtime channel.
package main

func main() {
	Execute()
}
