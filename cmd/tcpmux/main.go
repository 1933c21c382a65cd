// File: cmd/tcpmux/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// tcpmux command: parse relay tuples, set up logging, install listeners
// and run the worker pool until a signal stops it.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/momentics/tcpmux/relay"
)

var flags struct {
	listen    string
	dst       string
	src       string
	relayList string
	file      string
	workers   int
	maxBuffer string
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:           "tcpmux",
	Short:         "Multi-tenant TCP relay",
	Long:          "tcpmux accepts TCP connections on configured endpoints and relays bytes to the corresponding upstream, load-balancing connections across a pool of I/O workers.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.listen, "listen", "l", "", "listen address or port")
	f.StringVarP(&flags.dst, "dst", "d", "", "destination address")
	f.StringVarP(&flags.src, "src", "s", "", "source address or ip for outbound bind")
	f.StringVarP(&flags.relayList, "relay_list", "r", "", "relay tuples: listen,src,dst/listen,dst/...")
	f.StringVarP(&flags.file, "file", "f", "", "rotating log file path (default stderr)")
	f.IntVarP(&flags.workers, "workers", "w", 0, "worker count (default one per CPU)")
	f.StringVar(&flags.maxBuffer, "max-buffer", "1MB", "per-direction pending byte bound")
	f.BoolVarP(&flags.verbose, "verbose", "V", false, "enable trace logging")
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "20060102 15:04:05.000",
	})
	log.SetLevel(log.InfoLevel)
	if flags.verbose {
		log.SetLevel(log.TraceLevel)
	}
	if flags.file != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   flags.file,
			MaxSize:    100, // megabytes per file
			MaxBackups: 7,
		})
	}
}

// tuples assembles the relay table from either -r or the -l/-s/-d trio.
func tuples() ([]relay.Tuple, error) {
	if flags.relayList != "" {
		if flags.listen != "" || flags.dst != "" || flags.src != "" {
			return nil, fmt.Errorf("use either --relay_list or --listen/--src/--dst, not both")
		}
		return relay.ParseList(flags.relayList)
	}

	if flags.listen == "" || flags.dst == "" {
		return nil, fmt.Errorf("--listen and --dst are required")
	}
	one := flags.listen + "," + flags.dst
	if flags.src != "" {
		one = flags.listen + "," + flags.src + "," + flags.dst
	}
	return relay.ParseList(one)
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()

	ts, err := tuples()
	if err != nil {
		return err
	}
	for i, t := range ts {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tuple %d (%s): %w", i, t, err)
		}
	}

	var maxBuf datasize.ByteSize
	if err := maxBuf.UnmarshalText([]byte(flags.maxBuffer)); err != nil {
		return fmt.Errorf("invalid --max-buffer %q: %w", flags.maxBuffer, err)
	}

	log.Info("=== tcpmux start ===")
	for _, t := range ts {
		log.WithFields(log.Fields{
			"listen": t.Listen,
			"src":    t.Src,
			"dst":    t.Dst,
		}).Info("Parsed relay tuple")
	}

	listeners, err := relay.Listen(ts)
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Fatal("Fail to listen")
	}

	pool, err := relay.NewPool(flags.workers, listeners, relay.WithMaxBuffer(int(maxBuf.Bytes())))
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Fatal("Fail to create pool")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.WithFields(log.Fields{"signal": s}).Info("Shutting down")
		pool.Close()
	}()

	return pool.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
