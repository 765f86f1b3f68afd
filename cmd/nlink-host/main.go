// Command nlink-host runs a standalone nlink.Host against a real UDP
// socket, the way cmd/atlas runs pkg/atlas.Server: an env-file or
// environment-driven Config, structured logging, and an optional
// Prometheus-format metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/r2northstar/nlink/db/tokendb"
	"github.com/r2northstar/nlink/pkg/compressor"
	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/netio"
	"github.com/r2northstar/nlink/pkg/nlink"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, nlink.Config is read from it alone; NLINK_LISTEN_ADDR, NLINK_LOG_LEVEL, NLINK_COMPRESSOR, NLINK_TOKEN_DB and NLINK_METRICS_ADDR fall back to the environment when it does not set them\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	logLevel, _ := getEnvList("NLINK_LOG_LEVEL", e, os.Environ())
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(lvl).With().Timestamp().Logger()

	// Config.UnmarshalEnv rejects unknown variables, so it only sees the
	// NLINK_ ones that are not read by this binary itself.
	var ce []string
	for _, x := range e {
		k, _, _ := strings.Cut(x, "=")
		switch k {
		case "NLINK_LOG_LEVEL", "NLINK_LISTEN_ADDR", "NLINK_COMPRESSOR", "NLINK_TOKEN_DB", "NLINK_METRICS_ADDR":
			continue
		}
		if strings.HasPrefix(k, "NLINK_") {
			ce = append(ce, x)
		}
	}

	var c nlink.Config
	if err := c.UnmarshalEnv(ce, false); err != nil {
		logger.Fatal().Err(err).Msg("parse config")
	}

	listenAddr, _ := getEnvList("NLINK_LISTEN_ADDR", e, os.Environ())
	if listenAddr == "" {
		listenAddr = "0.0.0.0:9000"
	}
	ap, err := netip.ParseAddrPort(listenAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", listenAddr).Msg("parse listen address")
	}

	sock, err := netio.ListenUDP(ap, false)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen udp")
	}

	identity, err := ncrypto.GenerateEd25519KeyPair()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate host identity")
	}

	h, err := nlink.NewHost(c, sock, identity)
	if err != nil {
		logger.Fatal().Err(err).Msg("new host")
	}
	h.Logger = logger
	defer h.Close()

	if comp, ok := getEnvList("NLINK_COMPRESSOR", e, os.Environ()); ok {
		switch comp {
		case "flate":
			h.SetCompressor(compressor.NewFlate(-1))
		case "s2":
			h.SetCompressor(compressor.NewS2())
		case "zstd":
			z, err := compressor.NewZstd(0)
			if err != nil {
				logger.Fatal().Err(err).Msg("init zstd compressor")
			}
			h.SetCompressor(z)
		case "", "none":
		default:
			logger.Fatal().Str("compressor", comp).Msg("unknown NLINK_COMPRESSOR")
		}
	}

	if tokenDBPath, ok := getEnvList("NLINK_TOKEN_DB", e, os.Environ()); ok && tokenDBPath != "" {
		db, err := tokendb.Open(tokenDBPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open token database")
		}
		defer db.Close()
		cur, tgt, err := db.Version()
		if err != nil {
			logger.Fatal().Err(err).Msg("read token database version")
		}
		if cur != tgt {
			if err := db.MigrateUp(context.Background(), tgt); err != nil {
				logger.Fatal().Err(err).Msg("migrate token database")
			}
		}
		h.SetTokenValidator(db)
	}

	set := metrics.NewSet()
	m := nlink.NewMetrics(set)
	h.SetMetrics(m)

	if metricsAddr, ok := getEnvList("NLINK_METRICS_ADDR", e, os.Environ()); ok && metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			m.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		h.Interrupt()
	}()

	logger.Info().Str("addr", h.LocalAddr().String()).Msg("nlink-host listening")

	for {
		r, ev, err := h.Service(hostServiceTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("service error")
			continue
		}
		switch r {
		case nlink.ResultInterrupt:
			logger.Info().Msg("shutting down")
			return
		case nlink.ResultEvent:
			logEvent(logger, ev)
		case nlink.ResultTimeout:
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

const hostServiceTimeout = 100 * time.Millisecond

func logEvent(l zerolog.Logger, ev nlink.Event) {
	le := l.Info().Stringer("kind", ev.Kind)
	if ev.Peer != nil {
		le = le.Stringer("peer", ev.Peer.Addr)
	}
	switch ev.Kind {
	case nlink.EventPeerReceive:
		le.Uint8("channel", ev.Channel).Int("bytes", len(ev.Message.Data)).Msg("received message")
	case nlink.EventPeerDenial:
		le.Stringer("reason", nlink.DenialReason(ev.Data)).Msg("denied connection")
	default:
		le.Msg("event")
	}
}

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
