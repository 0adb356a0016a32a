// Command keygen prints a new gateway API key and the bcrypt hash to place in
// SHELLGATE_API_KEY_HASH. The plaintext key is shown once.
package main

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-shellgate/internal/auth"
)

func main() {
	plain, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api_key:      %s\n", plain)
	fmt.Printf("api_key_hash: %s\n", hash)
}
