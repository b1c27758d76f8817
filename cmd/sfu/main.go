// Command sfu is the CLI entrypoint (spec.md §6): it loads the JSON
// configuration, spins up the worker pool, and serves the protoo signaling
// websocket over TLS.
//
// Grounded on the teacher's cmd/servo/main.go and root main.go (flag
// parsing, a package-level upgrader, ListenAndServe under log.Fatal), with
// the multi-flag surface and TLS listener generalized from spec.md §6.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	"github.com/n0remac/sfu-control-plane/internal/adminrpc"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/engine"
	"github.com/n0remac/sfu-control-plane/internal/logger"
	"github.com/n0remac/sfu-control-plane/internal/peer"
	"github.com/n0remac/sfu-control-plane/internal/room"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/store"
)

var log = logger.New("sfu")

func main() {
	confPath := flag.String("conf", "", "path to the JSON configuration file (required)")
	daemon := flag.Bool("deamon", false, "double-fork to background, writing sfu.pid")
	host := flag.String("host", "", "override https.listenIp")
	port := flag.Int("port", 0, "override https.listenPort")
	tlsKey := flag.String("tls-key", "", "override https.tls.key")
	tlsChain := flag.String("tls-chain", "", "override https.tls.cert")
	urlStats := flag.String("url-stats", "", "override URL_STATS_PATH")
	flag.Parse()

	if *confPath == "" {
		fmt.Fprintln(os.Stderr, "sfu: --conf is required")
		os.Exit(2)
	}

	// config.Load reads URL_STATS_PATH, so the flag must be in the
	// environment before it runs.
	if *urlStats != "" {
		os.Setenv("URL_STATS_PATH", *urlStats)
	}

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Errorf("loading config: %v", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *host, *port, *tlsKey, *tlsChain, *urlStats)

	if *daemon {
		if err := daemonize(); err != nil {
			log.Errorf("daemonize: %v", err)
			os.Exit(1)
		}
	}

	mediaCodecs, err := decodeMediaCodecs(cfg.Mediasoup.RouterOptions.MediaCodecs)
	if err != nil {
		log.Errorf("parsing mediasoup.routerOptions.mediaCodecs: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, mediaCodecs)
	if err != nil {
		log.Errorf("starting worker pool: %v", err)
		os.Exit(1)
	}
	defer eng.Close()

	auditStore, err := store.Open(cfg.Store)
	if err != nil {
		log.Errorf("opening audit store: %v", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	lobby := room.NewLobby(cfg, eng, auditStore)

	if cfg.AdminRPC.Enabled {
		go serveAdminRPC(cfg.AdminRPC.Listen, eng, lobby)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", newSignalingHandler(ctx, lobby))
	mux.HandleFunc(cfg.StatsPath(), newStatsHandler(eng, lobby))

	addr := fmt.Sprintf("%s:%d", cfg.HTTPS.ListenIP, cfg.HTTPS.ListenPort)
	log.Debugf("serving protoo signaling on https://%s", addr)

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Debugf("shutting down")
		cancel()
		_ = srv.Close()
	}()

	var serveErr error
	if cfg.HTTPS.TLS.Cert != "" || cfg.HTTPS.TLS.Key != "" {
		serveErr = srv.ListenAndServeTLS(cfg.HTTPS.TLS.Cert, cfg.HTTPS.TLS.Key)
	} else {
		serveErr = srv.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		log.Errorf("listen: %v", serveErr)
		os.Exit(1)
	}
}

// daemonizeEnv re-execs the process once in the background and exits the
// foreground copy, the closest stdlib equivalent of a double-fork: no
// daemonizing library appears anywhere in the retrieved pack (see
// DESIGN.md), so this stays on os/exec rather than inventing a dependency.
const daemonizeEnv = "SFU_DAEMONIZED"

func daemonize() error {
	if os.Getenv(daemonizeEnv) == "1" {
		return writePidFile()
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sfu: re-exec for daemonize: %w", err)
	}
	os.Exit(0)
	return nil
}

func writePidFile() error {
	return os.WriteFile("sfu.pid", []byte(strconv.Itoa(os.Getpid())), 0644)
}

// serveAdminRPC starts the optional gRPC admin/inspection listener
// (SPEC_FULL.md's domain stack), forcing the hand-built JSON codec since
// no protobuf schema exists for these messages.
func serveAdminRPC(listen string, eng *engine.Engine, lobby *room.Lobby) {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		log.Errorf("adminrpc: listen %s: %v", listen, err)
		return
	}
	s := grpc.NewServer(grpc.ForceServerCodec(adminrpc.Codec{}))
	adminrpc.RegisterAdminServer(s, adminrpc.NewServer(eng, lobby))
	log.Debugf("serving adminrpc on %s", listen)
	if err := s.Serve(lis); err != nil {
		log.Errorf("adminrpc: serve: %v", err)
	}
}

func applyFlagOverrides(cfg *config.Config, host string, port int, tlsKey, tlsChain, urlStats string) {
	if host != "" {
		cfg.HTTPS.ListenIP = host
	}
	if port != 0 {
		cfg.HTTPS.ListenPort = port
	}
	if tlsKey != "" {
		cfg.HTTPS.TLS.Key = tlsKey
	}
	if tlsChain != "" {
		cfg.HTTPS.TLS.Cert = tlsChain
	}
	if urlStats != "" {
		os.Setenv("URL_STATS_PATH", urlStats)
	}
}

// decodeMediaCodecs parses the config's raw mediaCodecs list into the
// typed capability set the engine and router expect.
func decodeMediaCodecs(raw []json.RawMessage) ([]rtpcap.CodecCapability, error) {
	codecs := make([]rtpcap.CodecCapability, 0, len(raw))
	for _, r := range raw {
		var c rtpcap.CodecCapability
		if err := json.Unmarshal(r, &c); err != nil {
			return nil, err
		}
		codecs = append(codecs, c)
	}
	return codecs, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"protoo"},
}

// newSignalingHandler wires one websocket connection to its room per
// spec.md §6's roomId/peerId/forceH264/forceVP9 query parameters.
func newSignalingHandler(ctx context.Context, lobby *room.Lobby) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("roomId")
		peerID := r.URL.Query().Get("peerId")
		if roomID == "" || peerID == "" {
			http.Error(w, "roomId and peerId are required", http.StatusBadRequest)
			return
		}
		opts := room.PeerOptions{
			ForceH264: queryBool(r, "forceH264"),
			ForceVP9:  queryBool(r, "forceVP9"),
		}

		rm, err := lobby.GetOrCreate(ctx, roomID)
		if err != nil {
			log.Errorf("room %s: %v", roomID, err)
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}
		if err := rm.ReservePeer(peerID, opts); err != nil {
			http.Error(w, "peer already connected", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("upgrade failed for room=%s peer=%s: %v", roomID, peerID, err)
			return
		}

		sess := peer.New(conn, peerID, lobby.Config().PingInterval(),
			func(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
				return rm.HandleRequest(ctx, peerID, method, data)
			},
			func(method string, data json.RawMessage) {
				rm.HandleNotification(peerID, method, data)
			},
			func() { rm.ClosePeer(peerID) },
		)
		rm.AttachSession(peerID, sess)
	}
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// newStatsHandler serves a minimal operational snapshot at the
// URL_STATS_PATH endpoint: live room ids and worker count.
func newStatsHandler(eng *engine.Engine, lobby *room.Lobby) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Rooms   []string `json:"rooms"`
			Workers int      `json:"workers"`
		}{lobby.Rooms(), len(eng.Workers())})
	}
}
