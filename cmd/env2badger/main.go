package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/botfleet/pkg/secretstore"
)

// env2badger copies a .env file into the encrypted secrets db read by botfleet -secrets.
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("BOTFLEET_SECRETS_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("BOTFLEET_SECRETS_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		prefix    = flag.String("prefix", "env/", "key prefix inside badger")
		dryRun    = flag.Bool("dry-run", false, "list the keys that would be written")
	)
	flag.Parse()

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if *dryRun {
		for _, k := range keys {
			fmt.Println(*prefix + k)
		}
		return
	}

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set BOTFLEET_SECRETS_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	for _, k := range keys {
		if err := ss.SetString(*prefix+k, kv[k]); err != nil {
			fatal(err)
		}
	}
	fmt.Fprintf(os.Stderr, "imported %d keys into %s (prefix %s)\n", len(keys), *dbPath, *prefix)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
