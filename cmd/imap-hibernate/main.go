// imap-hibernate: parks idle IMAP client connections and hands them back
// to a full IMAP worker on demand.
//
// Usage:
//
//	imap-hibernate [-config <path>]
//
// The config path defaults to the IMAP_HIBERNATE_CONFIG_JSON environment
// variable if -config is not given.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dovecot/imap-hibernate/pkgs/hibernate"
)

func main() {
	var configPath string
	args := os.Args[1:]
	for len(args) > 0 {
		switch args[0] {
		case "-config", "-c":
			if len(args) < 2 {
				fatal("missing -config argument value")
			}
			configPath = args[1]
			args = args[2:]
		case "-h", "--help":
			printUsage()
			os.Exit(0)
		default:
			if strings.HasPrefix(args[0], "-") {
				fatal("unknown option: %s", args[0])
			}
			args = args[1:]
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal("config: %v", err)
	}

	log := hibernate.NewLogger(os.Stderr)
	anvil := hibernate.Anvil(hibernate.NullAnvil{})
	if cfg.AnvilPath != "" {
		anvil = hibernate.NewSocketAnvil(cfg.AnvilPath)
	}

	daemon, err := hibernate.NewDaemon(cfg, anvil, log)
	if err != nil {
		fatal("startup: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		daemon.Shutdown()
	}()

	if err := daemon.Run(); err != nil {
		fatal("%v", err)
	}
}

func loadConfig(path string) (*hibernate.Config, error) {
	if path != "" {
		return hibernate.LoadConfigFile(path)
	}
	return hibernate.LoadConfig()
}

func printUsage() {
	fmt.Println("imap-hibernate: parks idle IMAP connections for cheap unhibernation")
	fmt.Println()
	fmt.Println("Usage: imap-hibernate [-config <path>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config, -c   path to a JSON config file")
	fmt.Println("  -h            show help")
	fmt.Println()
	fmt.Println("If -config is omitted, the path is read from")
	fmt.Println("IMAP_HIBERNATE_CONFIG_JSON.")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
