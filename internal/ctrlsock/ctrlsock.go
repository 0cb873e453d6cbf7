// Package ctrlsock implements spec.md's `+` CLI control surface: a
// unix-domain HTTP server the `ustackd neigh`/`route` subcommands talk to,
// grounded on the teacher's internal/api.ApiServer (an *http.Server wired
// to a unix-socket net.Listener via functional options) and
// internal/api/routes.go's JSON-dump handler style.
package ctrlsock

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/iface"
)

// Server is the control-socket HTTP server. It never touches the
// dispatch/protocol hot path directly — every handler only reads
// snapshots (internal/arp.Cache.Snapshot, internal/iface.Registry.All),
// which are already safely synchronized by their own locks.
type Server struct {
	*http.Server
	sockFile string
}

type Option func(*Server)

func WithSockFile(path string) Option {
	return func(s *Server) { s.sockFile = path }
}

func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{Server: &http.Server{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve binds the unix socket at sockFile (removing any stale file first)
// and blocks serving until the server is shut down.
func (s *Server) Serve() error {
	if s.sockFile == "" {
		return fmt.Errorf("ctrlsock: no socket file configured")
	}
	_ = os.Remove(s.sockFile)
	ln, err := net.Listen("unix", s.sockFile)
	if err != nil {
		return fmt.Errorf("ctrlsock: listen %s: %w", s.sockFile, err)
	}
	return s.Server.Serve(ln)
}

// NeighborEntry is the JSON shape `ustackd neigh` renders.
type NeighborEntry struct {
	State     string `json:"state"`
	Addr      string `json:"addr"`
	HWAddr    string `json:"hwaddr"`
	AgeMillis int64  `json:"age_ms"`
}

// ServeNeighHandler dumps the ARP cache, sorted by address for stable
// output across calls.
func ServeNeighHandler(cache *arp.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		snap := cache.Snapshot()
		entries := make([]NeighborEntry, 0, len(snap))
		for _, e := range snap {
			entries = append(entries, NeighborEntry{
				State:     e.State.String(),
				Addr:      e.PA.String(),
				HWAddr:    e.HA.String(),
				AgeMillis: now.Sub(e.Updated).Milliseconds(),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			http.Error(w, "failed to encode neighbor table", http.StatusInternalServerError)
		}
	}
}

// InterfaceStatus is the JSON shape `ustackd route` renders: informational
// only, since the Non-goals exclude multi-interface routing and there is
// no FIB to dump.
type InterfaceStatus struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Addr      string `json:"addr"`
	Netmask   string `json:"netmask"`
	Broadcast string `json:"broadcast"`
}

func ServeRouteHandler(reg *iface.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []InterfaceStatus
		for _, ifc := range reg.All() {
			out = append(out, InterfaceStatus{
				Device:    ifc.Device.Name(),
				State:     ifc.Device.State().String(),
				Addr:      ifc.IPv4.Addr.String(),
				Netmask:   ifc.IPv4.Netmask.String(),
				Broadcast: ifc.IPv4.Broadcast.String(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, "failed to encode interface status", http.StatusInternalServerError)
		}
	}
}

// NewMux builds the default mux wiring /neigh and /route, mirroring the
// teacher's ServeMux + handler-function composition style.
func NewMux(cache *arp.Cache, reg *iface.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/neigh", ServeNeighHandler(cache))
	mux.HandleFunc("/route", ServeRouteHandler(reg))
	return mux
}
