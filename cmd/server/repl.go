package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/kr/pretty"

	"github.com/sidquark/rehashkv/internal/database"
)

// repl reads commands from in until EOF or EXIT and writes replies to out
func repl(in io.Reader, out io.Writer, db *database.DB) error {
	fmt.Fprintln(out, "Welcome to rehashkv")
	fmt.Fprintln(out, "Type 'help' for available commands.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			break
		}

		processCommand(out, db, input)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Shutting down database...")
	return scanner.Err()
}

func processCommand(out io.Writer, db *database.DB, input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	command := strings.ToLower(parts[0])

	switch command {
	case "set":
		if len(parts) < 3 {
			fmt.Fprintln(out, "Usage: SET key value")
			return
		}
		// The value is everything after the key, inner spacing included.
		_, rest := cutField(input)
		key, value := cutField(rest)
		err := db.Set(key, []byte(value))
		switch {
		case database.IsFull(err):
			fmt.Fprintf(out, "Error: table is full: %v\n", err)
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		default:
			fmt.Fprintln(out, "OK")
		}

	case "get":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Usage: GET key")
			return
		}
		value, ok, err := db.Get(parts[1])
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		case !ok:
			fmt.Fprintln(out, "(nil)")
		default:
			fmt.Fprintf(out, "%s\n", value)
		}

	case "delete":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Usage: DELETE key")
			return
		}
		deleted, err := db.Delete(parts[1])
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		case !deleted:
			fmt.Fprintln(out, "(not found)")
		default:
			fmt.Fprintln(out, "OK")
		}

	case "keys":
		keys := db.Keys()
		if len(keys) == 0 {
			fmt.Fprintln(out, "(empty database)")
		} else {
			for _, key := range keys {
				fmt.Fprintln(out, key)
			}
		}

	case "size":
		fmt.Fprintf(out, "Database size: %d entries\n", db.Size())

	case "stats":
		pretty.Fprintf(out, "%# v\n", db.Stats())

	case "dump":
		fmt.Fprint(out, db.Dump())

	case "compact":
		if err := db.Compact(); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		} else {
			fmt.Fprintln(out, "OK")
		}

	case "help":
		printHelp(out)

	default:
		fmt.Fprintln(out, "Unknown command. Type 'help' for available commands.")
	}
}

// cutField splits s after its first whitespace-separated field and returns
// that field and the remainder with leading whitespace removed.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out, "  SET key value   - Store a key-value pair")
	fmt.Fprintln(out, "  GET key         - Retrieve a value by key")
	fmt.Fprintln(out, "  DELETE key      - Remove a key-value pair")
	fmt.Fprintln(out, "  KEYS            - List all keys")
	fmt.Fprintln(out, "  SIZE            - Show database size")
	fmt.Fprintln(out, "  STATS           - Show capacity, load factor and log size")
	fmt.Fprintln(out, "  DUMP            - Show the contents of every bucket")
	fmt.Fprintln(out, "  COMPACT         - Rewrite the log with only live keys")
	fmt.Fprintln(out, "  HELP            - Show this help")
	fmt.Fprintln(out, "  EXIT/QUIT       - Exit the program")
}
