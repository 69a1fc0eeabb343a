package main

import (
	"flag"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/loragw-relay/internal/config"
)

// countFlag counts occurrences of a boolean flag, so -p -p (or -pp) is 2.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if v {
		*c++
	}
	return nil
}

type cliFlags struct {
	configFile string
	intervalMS int
	printLevel countFlag
	publish    int
	listen     int

	issueToken string
	tokenTTL   time.Duration
	recent     int

	visited map[string]bool
}

func parseFlags(args []string, output io.Writer) (*cliFlags, error) {
	f := &cliFlags{visited: make(map[string]bool)}

	fs := flag.NewFlagSet("gateway-relay", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&f.configFile, "config", "", "path to YAML config file (optional)")

	const intervalUsage = "polling interval in `MILLISECONDS`: how often the concentrator FIFO is drained"
	fs.IntVar(&f.intervalMS, "I", int(config.DefaultPollInterval/time.Millisecond), intervalUsage)
	fs.IntVar(&f.intervalMS, "interval", int(config.DefaultPollInterval/time.Millisecond), intervalUsage)

	fs.Var(&f.printLevel, "p", "print packets; -p prints one line each, -pp pretty-prints")

	const publishUsage = "UDP `PORT` to publish received packets to"
	fs.IntVar(&f.publish, "u", config.DefaultPublishPort, publishUsage)
	fs.IntVar(&f.publish, "publish", config.DefaultPublishPort, publishUsage)

	const listenUsage = "UDP `PORT` to listen on for TX requests"
	fs.IntVar(&f.listen, "l", config.DefaultListenPort, listenUsage)
	fs.IntVar(&f.listen, "listen", config.DefaultListenPort, listenUsage)

	fs.StringVar(&f.issueToken, "issue-token", "", "print a metrics bearer token for `SUBJECT` and exit")
	fs.DurationVar(&f.tokenTTL, "token-ttl", 0, "lifetime of the issued token; 0 never expires")

	fs.IntVar(&f.recent, "recent", 0, "print the last `N` archived uplinks as JSON and exit")

	if err := fs.Parse(expandCounted(args, "p")); err != nil {
		return nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		f.visited[fl.Name] = true
	})
	return f, nil
}

// expandCounted rewrites "-pp" into "-p -p" so the flag package can count it.
func expandCounted(args []string, name string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		if len(a) > 2 && a[0] == '-' && a[1] != '-' && strings.Trim(a[1:], name) == "" {
			for range a[1:] {
				out = append(out, "-"+name)
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

// apply overrides cfg with the flags given on the command line.
func (f *cliFlags) apply(cfg *config.Config) {
	if f.visited["I"] || f.visited["interval"] {
		cfg.Relay.PollInterval = time.Duration(f.intervalMS) * time.Millisecond
	}
	if f.visited["p"] {
		cfg.Relay.PrintLevel = int(f.printLevel)
	}
	if f.visited["u"] || f.visited["publish"] {
		cfg.Relay.PublishPort = f.publish
	}
	if f.visited["l"] || f.visited["listen"] {
		cfg.Relay.ListenPort = f.listen
	}
}
