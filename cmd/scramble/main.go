package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scramble",
	Short: "Peer-to-peer room chat with LLM-scrambled messages",
	Long: `scramble is a chat client that connects directly to the other
members of a room. A stateless relay brokers the initial connection
offers and answers; once peers are connected, messages flow
peer-to-peer and never touch the server again.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
