package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/joshcabana/verity-backend-sub000/internal/util"
)

// hashtoken prints the bcrypt hash for MODERATION_TOKEN_HASH. With no
// argument it generates a fresh random token and prints both.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cost int

	flagSet := pflag.NewFlagSet("hashtoken", pflag.ContinueOnError)
	flagSet.IntVarP(&cost, "cost", "c", 12, "bcrypt cost")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: go run ./cmd/hashtoken [--cost n] [token]\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	token := flagSet.Arg(0)
	generated := token == ""
	if generated {
		var err error
		if token, err = util.GenerateToken(); err != nil {
			return err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return err
	}

	if generated {
		fmt.Printf("token: %s\n", token)
		fmt.Printf("hash:  %s\n", hash)
		return nil
	}
	fmt.Println(string(hash))
	return nil
}
